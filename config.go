// SPDX-License-Identifier: GPL-2.0-only

package main

import (
	"fmt"
	"strings"

	"github.com/mitchellh/mapstructure"
	"github.com/samber/lo"
	flag "github.com/spf13/pflag"
	"github.com/spf13/viper"

	"github.com/otgkit/otg-device-core/usbd"
)

// initConfig defines config flags, config file, and envs
func initConfig() error {
	cfgFile := flag.String("config", "", "Path to the config file.")
	flag.String("log-level", logLevelInfo, fmt.Sprintf("Log level to use. Possible values: %s", availableLogLevels))
	flag.String("log-file", "", "Optional rotated log file; stdout when empty.")
	flag.String("listen", ":8080", "The address at which to listen for health and metrics.")

	flag.Parse()
	if err := viper.BindPFlags(flag.CommandLine); err != nil {
		return fmt.Errorf("failed to bind config: %w", err)
	}

	if *cfgFile != "" {
		viper.SetConfigFile(*cfgFile)
	} else {
		viper.SetConfigName("config")
		viper.SetConfigType("yaml")
		viper.AddConfigPath("/etc/otg-device-core/")
		viper.AddConfigPath(".")
	}

	viper.AutomaticEnv()
	viper.SetEnvKeyReplacer(strings.NewReplacer(".", "_", "-", "_"))

	if err := viper.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); ok {
			// Config file not found; ignore error
		} else {
			// Config file was found but another error was produced
			return fmt.Errorf("failed to read config file: %w", err)
		}
	}

	return nil
}

// directionSpec configures one direction of an endpoint. Presence of the
// block activates the direction.
type directionSpec struct {
	MaxPacketSize int `json:"max-packet-size"`
	BufferSize    int `json:"buffer-size"`
}

// endpointSpec is one entry of the configured endpoint table.
type endpointSpec struct {
	Number     int            `json:"number"`
	Type       string         `json:"type"`
	Multiplier int            `json:"multiplier"`
	In         *directionSpec `json:"in"`
	Out        *directionSpec `json:"out"`
}

func (es *endpointSpec) mode() (usbd.EndpointMode, error) {
	switch es.Type {
	case "control":
		return usbd.EndpointControl, nil
	case "isochronous":
		return usbd.EndpointIsochronous, nil
	case "bulk":
		return usbd.EndpointBulk, nil
	case "interrupt":
		return usbd.EndpointInterrupt, nil
	default:
		return 0, fmt.Errorf("unknown endpoint type %q", es.Type)
	}
}

func getConfiguredEndpoints() ([]endpointSpec, error) {
	raw, ok := viper.Get("endpoints").([]interface{})
	if !ok || len(raw) == 0 {
		// Default demo table: one bulk loopback endpoint.
		return []endpointSpec{{
			Number:     1,
			Type:       "bulk",
			Multiplier: 1,
			In:         &directionSpec{MaxPacketSize: 64, BufferSize: 1024},
			Out:        &directionSpec{MaxPacketSize: 64, BufferSize: 1024},
		}}, nil
	}

	specs := make([]endpointSpec, len(raw))
	for i, def := range raw {
		decoder, err := mapstructure.NewDecoder(&mapstructure.DecoderConfig{
			Result:  &specs[i],
			TagName: "json",
		})
		if err != nil {
			return nil, err
		}

		if err := decoder.Decode(def); err != nil {
			return nil, fmt.Errorf("failed to decode endpoint data %q: %w", def, err)
		}
		if specs[i].Multiplier == 0 {
			specs[i].Multiplier = 1
		}
		if _, err := specs[i].mode(); err != nil {
			return nil, err
		}
		if specs[i].Number < 1 || specs[i].Number > 3 {
			return nil, fmt.Errorf("endpoint number %d out of range 1..3", specs[i].Number)
		}
	}

	numbers := lo.Map(specs, func(es endpointSpec, _ int) int { return es.Number })
	if dup := lo.FindDuplicates(numbers); len(dup) > 0 {
		return nil, fmt.Errorf("duplicate endpoint numbers: %v", dup)
	}

	return specs, nil
}
