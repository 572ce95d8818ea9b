package validate

import (
	"bytes"
	"encoding/json"
	"strings"

	"github.com/santhosh-tekuri/jsonschema/v5"
)

// ValidateJSON validates obj against schemaSrc. obj is first normalised
// through JSON so decoder specific number types do not matter.
func ValidateJSON(obj any, schemaSrc string) error {
	c := jsonschema.NewCompiler()
	if err := c.AddResource("mem://schema.json", strings.NewReader(schemaSrc)); err != nil {
		return err
	}
	sch, err := c.Compile("mem://schema.json")
	if err != nil {
		return err
	}
	b, err := json.Marshal(obj)
	if err != nil {
		return err
	}
	var doc any
	dec := json.NewDecoder(bytes.NewReader(b))
	dec.UseNumber()
	if err := dec.Decode(&doc); err != nil {
		return err
	}
	return sch.Validate(doc)
}

// ValidatePreferencesMap validates a decoded preferences file.
func ValidatePreferencesMap(m map[string]any) error {
	return ValidateJSON(m, preferencesSchema)
}

const preferencesSchema = `{
  "$schema":"https://json-schema.org/draft/2020-12/schema",
  "type":"object",
  "properties":{
    "data_dir":{"type":"string"},
    "server":{"type":"string","pattern":"^https?://"},
    "api_key":{"type":"string"},
    "system_id":{"type":"string"},
    "ip_version":{"type":"string","enum":["BOTH","IPV4","IPV6"]},
    "ports":{
      "type":"array",
      "minItems":1,
      "uniqueItems":true,
      "items":{"type":"integer","minimum":1,"maximum":65535}
    },
    "proxy":{
      "type":"object",
      "properties":{
        "which":{"type":"string","enum":["SYSTEM","NONE","CUSTOM"]},
        "address":{"type":"string"},
        "ca_certs":{"type":"string"}
      }
    },
    "daemon":{
      "type":"object",
      "properties":{
        "interpreter":{"type":"string"},
        "script":{"type":"string"},
        "dir":{"type":"string"}
      }
    },
    "deps":{
      "type":"object",
      "properties":{
        "installed":{"type":"string"},
        "preinstalled":{"type":"string"}
      }
    },
    "events":{
      "type":"object",
      "properties":{
        "nats_url":{"type":"string"},
        "subject":{"type":"string"}
      }
    },
    "agent":{
      "type":"object",
      "properties":{
        "listen":{"type":"string"},
        "poll_interval":{"type":"string"}
      }
    },
    "log":{
      "type":"object",
      "properties":{
        "level":{"type":"string","enum":["trace","debug","info","warn","error"]},
        "file":{"type":"string"}
      }
    }
  }
}`
