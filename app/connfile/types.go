package connfile

// Config is one connection declared in a YAML file. Name is derived from the
// file name (without the .yml extension) and identifies the connection.
type Config struct {
	Name        string   `yaml:"-"`
	Blog        string   `yaml:"blog"`
	Webhook     string   `yaml:"webhook"`
	DisplayName string   `yaml:"name"`
	Kinds       []string `yaml:"kinds"`
	Enabled     *bool    `yaml:"enabled"`
}

func (c *Config) IsEnabled() bool {
	return c.Enabled == nil || *c.Enabled
}
