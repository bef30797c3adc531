// Package setup handles working directory initialization.
package setup

import (
	"bytes"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"

	yamlv3 "gopkg.in/yaml.v3"

	"github.com/msageha/rpa-oracle/internal/atomicfile"
	"github.com/msageha/rpa-oracle/internal/model"
	"github.com/msageha/rpa-oracle/templates"
)

// Run initializes dir with a default rpa.yaml, an empty queue sheet and the
// directories the daemon writes to. An existing rpa.yaml is never replaced.
func Run(dir string) error {
	absDir, err := filepath.Abs(dir)
	if err != nil {
		return fmt.Errorf("resolve dir: %w", err)
	}

	cfgPath := filepath.Join(absDir, model.ConfigFileName)
	if _, err := os.Stat(cfgPath); err == nil {
		return fmt.Errorf("%s already exists", cfgPath)
	}

	for _, d := range []string{"locks", "logs"} {
		if err := os.MkdirAll(filepath.Join(absDir, d), 0755); err != nil {
			return fmt.Errorf("create directory %s: %w", d, err)
		}
	}

	cfgData, cfg, err := loadTemplateConfig()
	if err != nil {
		return err
	}
	if err := atomicfile.WriteRaw(cfgPath, cfgData, atomicfile.ValidateYAML); err != nil {
		return fmt.Errorf("write %s: %w", model.ConfigFileName, err)
	}

	queuePath := filepath.Join(absDir, cfg.Sheet.Path)
	if _, err := os.Stat(queuePath); os.IsNotExist(err) {
		if err := copyTemplateFile("queue.yaml", queuePath); err != nil {
			return err
		}
	}
	return nil
}

// loadTemplateConfig returns the embedded config verbatim, so its comments
// survive, together with the parsed and validated form.
func loadTemplateConfig() ([]byte, model.Config, error) {
	data, err := fs.ReadFile(templates.FS, model.ConfigFileName)
	if err != nil {
		return nil, model.Config{}, fmt.Errorf("read config template: %w", err)
	}

	cfg := model.DefaultConfig()
	dec := yamlv3.NewDecoder(bytes.NewReader(data))
	dec.KnownFields(true)
	if err := dec.Decode(&cfg); err != nil {
		return nil, model.Config{}, fmt.Errorf("parse config template: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, model.Config{}, fmt.Errorf("config template: %w", err)
	}
	return data, cfg, nil
}

func copyTemplateFile(name, dst string) error {
	data, err := fs.ReadFile(templates.FS, name)
	if err != nil {
		return fmt.Errorf("read template %s: %w", name, err)
	}
	if err := atomicfile.WriteRaw(dst, data, atomicfile.ValidateYAML); err != nil {
		return fmt.Errorf("write %s: %w", dst, err)
	}
	return nil
}
