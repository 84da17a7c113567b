package config

import (
	"fmt"
	"os"

	"gopkg.in/yaml.v3"
)

// Load 从 YAML 文件加载配置并填充默认值。
func Load(file string) (Config, error) {
	var c Config
	b, err := os.ReadFile(file)
	if err != nil {
		return c, err
	}
	return Parse(b)
}

// Parse 解析 YAML 内容。
func Parse(b []byte) (Config, error) {
	var c Config
	if err := yaml.Unmarshal(b, &c); err != nil {
		return c, fmt.Errorf("parse config: %w", err)
	}
	c.withDefaults()
	if err := c.validate(); err != nil {
		return c, err
	}
	return c, nil
}

// MustLoad 从 YAML 文件加载配置（失败 panic）。
func MustLoad(file string) Config {
	c, err := Load(file)
	if err != nil {
		panic(err)
	}
	return c
}

func (c Config) validate() error {
	switch c.Storage.Driver {
	case "memory", "sqlite", "postgres", "mongo":
	default:
		return fmt.Errorf("config: unknown storage driver %q", c.Storage.Driver)
	}
	if c.Storage.Driver != "memory" && c.Storage.DSN == "" {
		return fmt.Errorf("config: storage.dsn required for driver %q", c.Storage.Driver)
	}
	seen := map[string]bool{}
	for _, j := range c.Scheduler.Jobs {
		if j.ID == "" || j.Cron == "" || j.Collection == "" {
			return fmt.Errorf("config: scheduler job needs id, cron and collection")
		}
		if seen[j.ID] {
			return fmt.Errorf("config: duplicate scheduler job %q", j.ID)
		}
		seen[j.ID] = true
	}
	for _, col := range c.Collections {
		if col.Name == "" || col.Source.URL == "" {
			return fmt.Errorf("config: collection needs name and source.url")
		}
	}
	return nil
}
