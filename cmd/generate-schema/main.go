package main

import (
	"encoding/json"
	"fmt"
	"os"
	"reflect"
	"time"

	"github.com/invopop/jsonschema"
	"github.com/marmos91/dittons/pkg/config"
)

var durationType = reflect.TypeOf(time.Duration(0))

func main() {
	// Generate JSON schema from Config struct
	reflector := jsonschema.Reflector{
		AllowAdditionalProperties: false,
		DoNotReference:            true, // Inline all definitions for simplicity
		FieldNameTag:              "yaml",
		Mapper: func(t reflect.Type) *jsonschema.Schema {
			// Durations are written as strings ("30s", "1h0m0s")
			if t == durationType {
				return &jsonschema.Schema{
					Type:    "string",
					Pattern: `^-?([0-9]+(\.[0-9]+)?(ns|us|µs|ms|s|m|h))+$|^0$`,
				}
			}
			return nil
		},
	}

	schema := reflector.Reflect(&config.Config{})

	schema.Title = "DittoNS Configuration"
	schema.Description = "Configuration schema for the DittoNS namespace server"
	schema.Version = "1.0.0"

	schemaJSON, err := json.MarshalIndent(schema, "", "  ")
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error marshaling schema: %v\n", err)
		os.Exit(1)
	}

	outputFile := "config.schema.json"
	if len(os.Args) > 1 {
		outputFile = os.Args[1]
	}

	if err := os.WriteFile(outputFile, schemaJSON, 0644); err != nil {
		fmt.Fprintf(os.Stderr, "Error writing schema file: %v\n", err)
		os.Exit(1)
	}

	fmt.Printf("JSON schema written to %s\n", outputFile)
}
