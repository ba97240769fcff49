package main

import (
	"errors"
	"fmt"
	"os"
	"reflect"
	"sort"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
	"mangoscan/pkg/domain"
)

const defaultDocPath = "api/openapi.yaml"

type openAPIDoc struct {
	Paths      map[string]map[string]operation `yaml:"paths"`
	Components struct {
		Schemas map[string]schema `yaml:"schemas"`
	} `yaml:"components"`
}

type operation struct {
	Responses map[string]any `yaml:"responses"`
}

type schema struct {
	Type       string            `yaml:"type"`
	Format     string            `yaml:"format"`
	Ref        string            `yaml:"$ref"`
	Properties map[string]schema `yaml:"properties"`
	Required   []string          `yaml:"required"`
	Items      *schema           `yaml:"items"`
}

type propertyShape struct {
	Type     string
	Required bool
}

// expectedResponses lists the status codes each route must document.
var expectedResponses = map[string]map[string][]string{
	"/health": {
		"get": {"200"},
	},
	"/api/analyze": {
		"post": {"201", "400", "401", "500", "502"},
		"get":  {"200", "401", "500"},
	},
}

func main() {
	path := defaultDocPath
	switch len(os.Args) {
	case 1:
	case 2:
		path = os.Args[1]
	default:
		fmt.Fprintf(os.Stderr, "usage: %s [openapi.yaml]\n", os.Args[0])
		os.Exit(2)
	}

	doc, err := loadDoc(path)
	if err != nil {
		exitErr(err)
	}
	if err := checkDoc(doc); err != nil {
		exitErr(err)
	}
	fmt.Println("OpenAPI consistency check passed.")
}

func checkDoc(doc openAPIDoc) error {
	errResp, err := getSchema(doc, "ErrorResponse")
	if err != nil {
		return err
	}
	if err := validateErrorResponse(errResp); err != nil {
		return err
	}
	for name, model := range map[string]any{
		"AnalysisSummary": domain.AnalysisSummary{},
		"AnalysisRecord":  domain.AnalysisRecord{},
	} {
		s, err := getSchema(doc, name)
		if err != nil {
			return err
		}
		if err := ensureMatchesType(name, s, reflect.TypeOf(model)); err != nil {
			return err
		}
	}
	list, err := getSchema(doc, "AnalysisList")
	if err != nil {
		return err
	}
	if err := validateAnalysisList(list); err != nil {
		return err
	}
	return validatePaths(doc)
}

func loadDoc(path string) (openAPIDoc, error) {
	var doc openAPIDoc
	raw, err := os.ReadFile(path)
	if err != nil {
		return doc, fmt.Errorf("read %s: %w", path, err)
	}
	if err := yaml.Unmarshal(raw, &doc); err != nil {
		return doc, fmt.Errorf("parse %s: %w", path, err)
	}
	return doc, nil
}

func getSchema(doc openAPIDoc, name string) (schema, error) {
	if doc.Components.Schemas == nil {
		return schema{}, errors.New("components.schemas missing")
	}
	s, ok := doc.Components.Schemas[name]
	if !ok {
		return schema{}, fmt.Errorf("schema %q missing", name)
	}
	return s, nil
}

func validateErrorResponse(s schema) error {
	if s.Type != "object" {
		return errors.New("ErrorResponse must be object")
	}
	required := makeSet(s.Required)
	for _, field := range []string{"error", "code"} {
		if !required[field] {
			return fmt.Errorf("ErrorResponse.required must include %q", field)
		}
	}
	for _, field := range []string{"error", "code", "requestId"} {
		if prop, ok := s.Properties[field]; !ok || prop.Type != "string" {
			return fmt.Errorf("ErrorResponse.%s must be string", field)
		}
	}
	return nil
}

func validateAnalysisList(s schema) error {
	if s.Type != "object" {
		return errors.New("AnalysisList must be object")
	}
	if count, ok := s.Properties["count"]; !ok || count.Type != "integer" {
		return errors.New("AnalysisList.count must be integer")
	}
	data, ok := s.Properties["data"]
	if !ok || data.Type != "array" {
		return errors.New("AnalysisList.data must be array")
	}
	if data.Items == nil || strings.TrimSpace(data.Items.Ref) != "#/components/schemas/AnalysisRecord" {
		return errors.New("AnalysisList.data.items must reference AnalysisRecord")
	}
	return nil
}

// ensureMatchesType compares a schema against the JSON encoding of t.
func ensureMatchesType(name string, s schema, t reflect.Type) error {
	if s.Type != "object" {
		return fmt.Errorf("%s must be object", name)
	}
	want := shapeFromType(t)
	got := shapeFromSchema(s)
	if len(got) != len(want) {
		return fmt.Errorf("%s property count mismatch: doc has %v, code has %v", name, sortedKeys(got), sortedKeys(want))
	}
	for key, w := range want {
		g, ok := got[key]
		if !ok {
			return fmt.Errorf("%s missing property %q", name, key)
		}
		if g != w {
			return fmt.Errorf("%s property %q mismatch: doc %+v, code %+v", name, key, g, w)
		}
	}
	return nil
}

func shapeFromSchema(s schema) map[string]propertyShape {
	required := makeSet(s.Required)
	out := make(map[string]propertyShape, len(s.Properties))
	for name, prop := range s.Properties {
		out[name] = propertyShape{Type: prop.Type, Required: required[name]}
	}
	return out
}

var timeType = reflect.TypeOf(time.Time{})

func shapeFromType(t reflect.Type) map[string]propertyShape {
	out := make(map[string]propertyShape, t.NumField())
	for i := 0; i < t.NumField(); i++ {
		field := t.Field(i)
		tag := field.Tag.Get("json")
		if tag == "-" || !field.IsExported() {
			continue
		}
		name, opts, _ := strings.Cut(tag, ",")
		if name == "" {
			name = field.Name
		}
		out[name] = propertyShape{
			Type:     openAPIType(field.Type),
			Required: !strings.Contains(opts, "omitempty"),
		}
	}
	return out
}

func openAPIType(t reflect.Type) string {
	if t == timeType {
		return "string"
	}
	switch t.Kind() {
	case reflect.String:
		return "string"
	case reflect.Float32, reflect.Float64:
		return "number"
	case reflect.Int, reflect.Int32, reflect.Int64:
		return "integer"
	case reflect.Bool:
		return "boolean"
	case reflect.Slice, reflect.Array:
		return "array"
	default:
		return "object"
	}
}

func validatePaths(doc openAPIDoc) error {
	for path, methods := range expectedResponses {
		item, ok := doc.Paths[path]
		if !ok {
			return fmt.Errorf("path %q missing", path)
		}
		for method, codes := range methods {
			op, ok := item[method]
			if !ok {
				return fmt.Errorf("%s %s missing", strings.ToUpper(method), path)
			}
			for _, code := range codes {
				if _, ok := op.Responses[code]; !ok {
					return fmt.Errorf("%s %s must document %s response", strings.ToUpper(method), path, code)
				}
			}
		}
	}
	return nil
}

func makeSet(items []string) map[string]bool {
	out := make(map[string]bool, len(items))
	for _, item := range items {
		item = strings.TrimSpace(item)
		if item == "" {
			continue
		}
		out[item] = true
	}
	return out
}

func sortedKeys(m map[string]propertyShape) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

func exitErr(err error) {
	fmt.Fprintln(os.Stderr, err.Error())
	os.Exit(1)
}
