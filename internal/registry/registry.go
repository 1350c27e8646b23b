// Fherelay is a task dispatch and result-delivery service for FHE workloads.
// Copyright (C) 2026 The fherelay authors
//
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
//
// This program is distributed in the hope that it will be useful,
// but WITHOUT ANY WARRANTY; without even the implied warranty of
// MERCHANTABILITY or FITNESS FOR A PARTICULAR PURPOSE.  See the
// GNU Affero General Public License for more details.
//
// You should have received a copy of the GNU Affero General Public License
// along with this program.  If not, see <https://www.gnu.org/licenses/>.

// Package registry loads and validates the use-case catalogue from a
// YAML file. The registry is read once at start-up and is immutable
// afterwards; a validation failure is fatal for the process.
package registry

import (
	"fmt"
	"os"
	"sort"
	"strings"

	"gopkg.in/yaml.v3"
)

// ResponseType selects how a use case's results are delivered.
type ResponseType string

const (
	ResponseStream ResponseType = "stream"
	ResponseJSON   ResponseType = "json"
)

// Encoding selects how a single output file is rendered inside a JSON
// delivery payload.
type Encoding string

const (
	EncodingBase64 Encoding = "base64"
	EncodingUTF8   Encoding = "utf8"
)

// DefaultChannel is the queue channel used when a use case does not
// name one.
const DefaultChannel = "usecases"

// DefaultInputTemplate names the submission blob. Placeholders are
// substituted verbatim; the extension is part of the wire contract.
const DefaultInputTemplate = "{uid}.{task}.input.fheencrypted"

// Output describes one artifact a use case's executable produces.
type Output struct {
	Filename string   `yaml:"filename"`
	Key      string   `yaml:"key"`
	Encoding Encoding `yaml:"response_type"`
}

// UseCase is one validated entry of the catalogue.
type UseCase struct {
	Name          string
	Binary        string       `yaml:"binary"`
	Channel       string       `yaml:"channel"`
	ResponseType  ResponseType `yaml:"response_type"`
	InputTemplate string       `yaml:"input_filename"`
	Outputs       []Output     `yaml:"output_files"`
}

// Registry is the immutable set of use cases keyed by exact name.
type Registry struct {
	cases map[string]UseCase
	names []string
}

type file struct {
	Tasks map[string]UseCase `yaml:"tasks"`
}

// Load reads, parses, and validates the catalogue at path.
func Load(path string) (*Registry, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read registry: %w", err)
	}
	return Parse(raw)
}

// Parse validates a catalogue from raw YAML bytes.
func Parse(raw []byte) (*Registry, error) {
	var f file
	if err := yaml.Unmarshal(raw, &f); err != nil {
		return nil, fmt.Errorf("parse registry: %w", err)
	}
	if len(f.Tasks) == 0 {
		return nil, fmt.Errorf("registry defines no tasks")
	}

	cases := make(map[string]UseCase, len(f.Tasks))
	names := make([]string, 0, len(f.Tasks))
	for name, uc := range f.Tasks {
		uc.Name = name
		if err := normalize(&uc); err != nil {
			return nil, fmt.Errorf("task %q: %w", name, err)
		}
		cases[name] = uc
		names = append(names, name)
	}
	sort.Strings(names)
	return &Registry{cases: cases, names: names}, nil
}

func normalize(uc *UseCase) error {
	if strings.TrimSpace(uc.Name) == "" {
		return fmt.Errorf("empty task name")
	}
	if strings.TrimSpace(uc.Binary) == "" {
		return fmt.Errorf("missing binary")
	}
	if uc.Channel == "" {
		uc.Channel = DefaultChannel
	}
	if uc.InputTemplate == "" {
		uc.InputTemplate = DefaultInputTemplate
	}
	switch uc.ResponseType {
	case ResponseStream, ResponseJSON:
	case "":
		uc.ResponseType = ResponseStream
	default:
		return fmt.Errorf("unknown response_type %q", uc.ResponseType)
	}
	if len(uc.Outputs) == 0 {
		return fmt.Errorf("no output_files declared")
	}
	if uc.ResponseType == ResponseStream && len(uc.Outputs) != 1 {
		return fmt.Errorf("stream response requires exactly one output, got %d", len(uc.Outputs))
	}
	for i := range uc.Outputs {
		out := &uc.Outputs[i]
		if strings.TrimSpace(out.Filename) == "" {
			return fmt.Errorf("output %d: missing filename", i)
		}
		if out.Key == "" {
			out.Key = out.Filename
		}
		switch out.Encoding {
		case EncodingBase64, EncodingUTF8:
		case "":
			out.Encoding = EncodingBase64
		default:
			return fmt.Errorf("output %d: unknown response_type %q", i, out.Encoding)
		}
	}
	return nil
}

// Lookup returns the use case registered under exactly name.
func (r *Registry) Lookup(name string) (UseCase, bool) {
	uc, ok := r.cases[name]
	return uc, ok
}

// Names returns the sorted list of registered use-case names.
func (r *Registry) Names() []string {
	out := make([]string, len(r.names))
	copy(out, r.names)
	return out
}

// Len returns the number of registered use cases.
func (r *Registry) Len() int { return len(r.cases) }

// RenderInput produces the submission filename for a use case and uid.
func (uc UseCase) RenderInput(uid string) string {
	return RenderTemplate(uc.InputTemplate, uid, uc.Name)
}

// RenderTemplate substitutes {uid} and {task} in a filename template.
func RenderTemplate(tmpl, uid, task string) string {
	s := strings.ReplaceAll(tmpl, "{uid}", uid)
	return strings.ReplaceAll(s, "{task}", task)
}
