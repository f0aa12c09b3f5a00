package config

import (
	"strings"
	"testing"
)

func TestModelID(t *testing.T) {
	cases := []struct {
		m    ModelConfig
		want string
	}{
		{ModelConfig{Family: "qwen2.5", Size: "7B", Variant: "instruct"}, "Qwen/Qwen2.5-VL-7B-Instruct"},
		{ModelConfig{Family: "qwen3", Size: "8B", Variant: "instruct"}, "Qwen/Qwen3-VL-8B-Instruct"},
		{ModelConfig{Family: "qwen3", Size: "4B", Variant: "thinking"}, "Qwen/Qwen3-VL-4B-Thinking"},
		{ModelConfig{Family: "qwen3", Size: "4B", LocalPath: "/models/q"}, "/models/q"},
	}
	for _, c := range cases {
		if got := c.m.ModelID(); got != c.want {
			t.Fatalf("ModelID(%+v)=%q want %q", c.m, got, c.want)
		}
	}
}

func TestEstimatedVRAM(t *testing.T) {
	cases := []struct {
		size, quant string
		want        float64
	}{
		{"7B", "4bit", 14},
		{"7B", "none", 28},
		{"8B", "8bit", 24},
		{"72B", "4bit", 144},
		{"13B", "4bit", 8},
	}
	for _, c := range cases {
		got := ModelConfig{Size: c.size, Quantization: c.quant}.EstimatedVRAMGB()
		if got != c.want {
			t.Fatalf("%s/%s: got %v want %v", c.size, c.quant, got, c.want)
		}
	}
}

func TestValidate(t *testing.T) {
	if err := Defaults().Validate(); err != nil {
		t.Fatalf("defaults should validate: %v", err)
	}
	mut := []struct {
		name string
		fn   func(*Config)
		frag string
	}{
		{"family", func(c *Config) { c.Model.Family = "llama" }, "model.family"},
		{"size", func(c *Config) { c.Model.Size = "8B" }, "model.size"},
		{"thinking", func(c *Config) { c.Model.Variant = "thinking" }, "requires family qwen3"},
		{"quant", func(c *Config) { c.Model.Quantization = "2bit" }, "model.quantization"},
		{"device", func(c *Config) { c.Model.DeviceMap = "tpu" }, "model.device_map"},
		{"level", func(c *Config) { c.Logging.Level = "trace" }, "logging.level"},
		{"backend", func(c *Config) { c.Backend.Mode = "grpc" }, "backend.mode"},
		{"spawn-path", func(c *Config) { c.Backend.Mode = "spawn" }, "local_path"},
		{"port", func(c *Config) { c.Server.Port = 0 }, "server.port"},
		{"webhook", func(c *Config) { c.Webhooks = []WebhookConfig{{ID: "x"}} }, "webhooks[0].url"},
	}
	for _, m := range mut {
		c := Defaults()
		m.fn(&c)
		err := c.Validate()
		if err == nil || !strings.Contains(err.Error(), m.frag) {
			t.Fatalf("%s: expected error containing %q, got %v", m.name, m.frag, err)
		}
	}
	c := Defaults()
	c.Model.DeviceMap = "cuda:1"
	if err := c.Validate(); err != nil {
		t.Fatalf("cuda:N should be valid: %v", err)
	}
}

func TestBackendPorts(t *testing.T) {
	cases := []struct {
		in         string
		start, end int
		ok         bool
	}{
		{"", 0, 0, true},
		{"31000-31010", 31000, 31010, true},
		{" 8080 ", 8080, 8080, true},
		{"9000-8000", 0, 0, false},
		{"a-b", 0, 0, false},
		{"1-70000", 0, 0, false},
	}
	for _, c := range cases {
		start, end, err := BackendConfig{PortRange: c.in}.Ports()
		if (err == nil) != c.ok {
			t.Fatalf("Ports(%q) err=%v, want ok=%v", c.in, err, c.ok)
		}
		if start != c.start || end != c.end {
			t.Fatalf("Ports(%q) = %d-%d, want %d-%d", c.in, start, end, c.start, c.end)
		}
	}
}
