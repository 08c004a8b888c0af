// Package schema validates request payloads at the IPC boundary before any
// typed decoding happens. Validation failures map onto the two wire error
// classes: unparsable bytes and well-formed JSON that violates a method's
// parameter contract.
package schema

import (
	"bytes"
	"embed"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/santhosh-tekuri/jsonschema/v5"
)

//go:embed schemas/*.json
var schemaFS embed.FS

// ErrMalformed means the payload is not parsable JSON at all.
var ErrMalformed = errors.New("malformed json")

// ErrInvalid means the payload parsed but violates the method's schema.
var ErrInvalid = errors.New("invalid parameters")

// methodSchemas maps wire method names to their schema file. Register and
// ack methods for the two phases share a schema.
var methodSchemas = map[string]string{
	"identify":               "identify.json",
	"suspendRequestRegister": "register.json",
	"prepareSuspendRegister": "register.json",
	"suspendRequestAck":      "ack.json",
	"prepareSuspendAck":      "ack.json",
	"activityStart":          "activity_start.json",
	"activityEnd":            "activity_end.json",
	"clientCancelByName":     "client_cancel_by_name.json",
	"chargerStatus":          "charger_status.json",
	"forceSuspend":           "force_suspend.json",
	"alarmAdd":               "alarm_add.json",
	"alarmRemove":            "alarm_remove.json",
}

var compiled = compileAll()

func compileAll() map[string]*jsonschema.Schema {
	c := jsonschema.NewCompiler()
	c.Draft = jsonschema.Draft7

	seen := make(map[string]bool)
	for _, file := range methodSchemas {
		if seen[file] {
			continue
		}
		seen[file] = true
		data, err := schemaFS.ReadFile("schemas/" + file)
		if err != nil {
			panic(fmt.Sprintf("schema: missing embedded schema %s: %v", file, err))
		}
		if err := c.AddResource(file, bytes.NewReader(data)); err != nil {
			panic(fmt.Sprintf("schema: add %s: %v", file, err))
		}
	}

	out := make(map[string]*jsonschema.Schema, len(methodSchemas))
	for method, file := range methodSchemas {
		out[method] = c.MustCompile(file)
	}
	return out
}

// Validate checks raw against the schema for method. An empty payload is
// treated as an empty object. Methods without a registered schema pass.
func Validate(method string, raw []byte) error {
	if len(raw) == 0 {
		raw = []byte("{}")
	}

	var v interface{}
	if err := json.Unmarshal(raw, &v); err != nil {
		return fmt.Errorf("%w: %v", ErrMalformed, err)
	}

	sch, ok := compiled[method]
	if !ok {
		return nil
	}
	if err := sch.Validate(v); err != nil {
		return fmt.Errorf("%w: %v", ErrInvalid, err)
	}
	return nil
}

// Known reports whether method has a registered schema.
func Known(method string) bool {
	_, ok := methodSchemas[method]
	return ok
}
