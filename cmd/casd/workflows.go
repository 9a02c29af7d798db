package main

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"

	"gopkg.in/yaml.v3"

	"github.com/tutorwiseapp/cas/internal/diagram"
	"github.com/tutorwiseapp/cas/internal/engine"
	"github.com/tutorwiseapp/cas/internal/expressions"
	"github.com/tutorwiseapp/cas/internal/validation"
	"github.com/tutorwiseapp/cas/pkg/schema"
)

// loadWorkflows reads every .json, .yaml and .yml definition in dir, in
// file-name order. A definition without a name takes its file's base name.
func loadWorkflows(dir string) ([]*schema.WorkflowDefinition, error) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		return nil, fmt.Errorf("read workflows dir: %w", err)
	}

	var defs []*schema.WorkflowDefinition
	seen := make(map[string]string)
	for _, e := range entries {
		ext := strings.ToLower(filepath.Ext(e.Name()))
		if e.IsDir() || (ext != ".json" && ext != ".yaml" && ext != ".yml") {
			continue
		}
		path := filepath.Join(dir, e.Name())
		def, err := decodeWorkflow(path, ext)
		if err != nil {
			return nil, fmt.Errorf("%s: %w", path, err)
		}
		if def.Name == "" {
			def.Name = strings.TrimSuffix(e.Name(), filepath.Ext(e.Name()))
		}
		if prev, ok := seen[def.Name]; ok {
			return nil, fmt.Errorf("%s: workflow %q already defined in %s", path, def.Name, prev)
		}
		seen[def.Name] = path
		defs = append(defs, def)
	}
	return defs, nil
}

// decodeWorkflow parses one file. YAML is converted to JSON first so both
// formats go through the same field names and unknown-field check.
func decodeWorkflow(path, ext string) (*schema.WorkflowDefinition, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	if ext != ".json" {
		var doc any
		if err := yaml.Unmarshal(data, &doc); err != nil {
			return nil, err
		}
		if data, err = json.Marshal(doc); err != nil {
			return nil, err
		}
	}
	dec := json.NewDecoder(bytes.NewReader(data))
	dec.DisallowUnknownFields()
	var def schema.WorkflowDefinition
	if err := dec.Decode(&def); err != nil {
		return nil, err
	}
	return &def, nil
}

// checkWorkflow runs the checks RegisterWorkflow would, without a runtime.
func checkWorkflow(def *schema.WorkflowDefinition) error {
	if _, err := engine.ParseGraph(def); err != nil {
		return err
	}
	v, err := validation.NewWorkflowValidator(validation.ExpressionCompiler{
		When:  expressions.NewExprEngine().Compile,
		Input: expressions.NewGoJQEngine().Compile,
	})
	if err != nil {
		return err
	}
	return v.ValidateDefinition(def)
}

// writeDiagram draws def. Text formats go to w; images are written to
// <dir>/<name>.<format>.
func writeDiagram(ctx context.Context, def *schema.WorkflowDefinition, format, dir string, w io.Writer) error {
	model, err := diagram.FromWorkflow(def, nil)
	if err != nil {
		return err
	}
	switch format {
	case "ascii":
		_, err = io.WriteString(w, diagram.RenderASCII(model))
		return err
	case "mermaid":
		_, err = io.WriteString(w, diagram.RenderMermaid(model))
		return err
	case "svg", "png":
		img, err := diagram.RenderImage(ctx, model, diagram.Format(format))
		if err != nil {
			return err
		}
		path := filepath.Join(dir, def.Name+"."+format)
		if err := os.WriteFile(path, img, 0o644); err != nil {
			return err
		}
		_, err = fmt.Fprintf(w, "wrote %s\n", path)
		return err
	default:
		return fmt.Errorf("unknown diagram format %q (want ascii, mermaid, svg or png)", format)
	}
}
