package config

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"cuelang.org/go/cue"
	"cuelang.org/go/cue/cuecontext"
	"cuelang.org/go/cue/errors"
	"github.com/go-playground/validator/v10"
	"gopkg.in/yaml.v3"
)

// Format identifies the syntax of a configuration source.
type Format string

const (
	FormatCUE  Format = "cue"
	FormatYAML Format = "yaml"
	FormatJSON Format = "json"
)

// FormatOf derives the format from a file extension.
func FormatOf(path string) (Format, error) {
	switch strings.ToLower(filepath.Ext(path)) {
	case ".cue":
		return FormatCUE, nil
	case ".yaml", ".yml":
		return FormatYAML, nil
	case ".json":
		return FormatJSON, nil
	default:
		return "", fmt.Errorf("unsupported configuration file: %s", path)
	}
}

// Errors is returned when a source fails schema or struct validation.
type Errors []ValidationError

func (e Errors) Error() string {
	msgs := make([]string, 0, len(e))
	for _, v := range e {
		var loc string
		switch {
		case v.File != "" && v.Line > 0:
			loc = fmt.Sprintf("%s:%d:%d: ", v.File, v.Line, v.Column)
		case v.Path != "":
			loc = v.Path + ": "
		}
		msgs = append(msgs, loc+v.Message)
	}
	return "invalid configuration: " + strings.Join(msgs, "; ")
}

// Parser decodes configuration sources. Every source, whatever its format,
// is unified with the CUE schema and then checked with struct validation.
// A Parser is safe for concurrent use.
type Parser struct {
	mu        sync.Mutex
	ctx       *cue.Context
	schema    cue.Value
	validator *validator.Validate
}

// NewParser creates a parser with the schema compiled.
func NewParser() (*Parser, error) {
	ctx := cuecontext.New()
	schema, err := compileSchema(ctx)
	if err != nil {
		return nil, err
	}

	v := validator.New(validator.WithRequiredStructEnabled())
	if err := v.RegisterValidation("duration", isDuration); err != nil {
		return nil, fmt.Errorf("failed to register duration validation: %w", err)
	}

	return &Parser{ctx: ctx, schema: schema, validator: v}, nil
}

func isDuration(fl validator.FieldLevel) bool {
	d, err := time.ParseDuration(fl.Field().String())
	return err == nil && d >= 0
}

// Load reads and validates a configuration file.
func (p *Parser) Load(path string) (*Config, error) {
	format, err := FormatOf(path)
	if err != nil {
		return nil, err
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read configuration: %w", err)
	}

	cfg, err := p.parse(data, format, path)
	if err != nil {
		return nil, err
	}
	cfg.Source = path
	return cfg, nil
}

// Parse decodes and validates configuration content.
func (p *Parser) Parse(data []byte, format Format) (*Config, error) {
	return p.parse(data, format, "inline."+string(format))
}

func (p *Parser) parse(data []byte, format Format, filename string) (*Config, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	val, err := p.compile(data, format, filename)
	if err != nil {
		return nil, err
	}

	unified := p.schema.Unify(val)
	if err := unified.Validate(cue.Concrete(true)); err != nil {
		return nil, convertCUEErrors(err)
	}

	var cfg Config
	if err := unified.Decode(&cfg); err != nil {
		return nil, fmt.Errorf("failed to decode configuration: %w", err)
	}

	if err := p.validator.Struct(&cfg); err != nil {
		return nil, convertValidatorErrors(err)
	}
	if err := cfg.check(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// compile turns the source into a CUE value. YAML and JSON are decoded to
// plain data first so they share the schema with CUE sources.
func (p *Parser) compile(data []byte, format Format, filename string) (cue.Value, error) {
	var doc map[string]interface{}
	switch format {
	case FormatCUE:
		val := p.ctx.CompileBytes(data, cue.Filename(filename))
		if err := val.Err(); err != nil {
			return cue.Value{}, convertCUEErrors(err)
		}
		return val, nil
	case FormatYAML:
		if err := yaml.Unmarshal(data, &doc); err != nil {
			return cue.Value{}, fmt.Errorf("failed to parse YAML %s: %w", filename, err)
		}
	case FormatJSON:
		if err := json.Unmarshal(data, &doc); err != nil {
			return cue.Value{}, fmt.Errorf("failed to parse JSON %s: %w", filename, err)
		}
	default:
		return cue.Value{}, fmt.Errorf("unsupported format: %s", format)
	}
	if doc == nil {
		doc = map[string]interface{}{}
	}

	val := p.ctx.Encode(doc)
	if err := val.Err(); err != nil {
		return cue.Value{}, fmt.Errorf("failed to encode %s: %w", filename, err)
	}
	return val, nil
}

// convertCUEErrors converts CUE errors to Errors with positions.
func convertCUEErrors(err error) Errors {
	var out Errors
	for _, e := range errors.Errors(err) {
		v := ValidationError{
			Path:     strings.Join(e.Path(), "."),
			Message:  errors.Details(e, nil),
			Severity: "error",
		}
		if pos := errors.Positions(e); len(pos) > 0 {
			v.File = pos[0].Filename()
			v.Line = pos[0].Line()
			v.Column = pos[0].Column()
		}
		out = append(out, v)
	}
	return out
}

// convertValidatorErrors converts struct validation errors to Errors.
func convertValidatorErrors(err error) error {
	verrs, ok := err.(validator.ValidationErrors)
	if !ok {
		return err
	}

	out := make(Errors, 0, len(verrs))
	for _, fe := range verrs {
		msg := fmt.Sprintf("failed on %q", fe.Tag())
		if fe.Param() != "" {
			msg = fmt.Sprintf("failed on %q (%s)", fe.Tag(), fe.Param())
		}
		out = append(out, ValidationError{
			Path:     strings.TrimPrefix(fe.Namespace(), "Config."),
			Message:  msg,
			Severity: "error",
		})
	}
	return out
}
