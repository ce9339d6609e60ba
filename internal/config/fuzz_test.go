package config

import "testing"

func FuzzLoadFromBytes(f *testing.F) {
	// Seed corpus: valid configs
	f.Add([]byte(`
services:
  - name: users
    prefixes: ["/api"]
    endpoints:
      - target: "http://localhost:3000"
`))
	f.Add([]byte(`
server:
  port: 9095
  ops_port: 9096
auth:
  enabled: true
  jwt_secret: "secret"
  issuer: "iss"
  audience: "aud"
services:
  - name: users
    prefixes: ["/api/v1"]
    strategy: weighted
    timeout: 2s
    max_retries: 3
    endpoints:
      - target: "https://backend:3000"
        weight: 4
`))

	// Edge cases
	f.Add([]byte(``))
	f.Add([]byte(`services: []`))
	f.Add([]byte(`server: { port: 0 }`))
	f.Add([]byte(`
cache: { enabled: false }
services:
  - name: root
    prefixes: ["/"]
    endpoints:
      - target: "http://localhost:3000"
`))

	f.Fuzz(func(t *testing.T, data []byte) {
		// LoadFromBytes must never panic regardless of input.
		cfg, err := LoadFromBytes(data)
		if err != nil {
			return
		}
		// If loading succeeded, verify what validation should enforce.
		if cfg.Server.Port < 1 || cfg.Server.Port > 65535 {
			t.Errorf("invalid port escaped validation: %d", cfg.Server.Port)
		}
		if cfg.Server.Port == cfg.Server.OpsPort {
			t.Errorf("colliding ports escaped validation: %d", cfg.Server.Port)
		}
		if len(cfg.Services) == 0 {
			t.Error("empty services escaped validation")
		}
		for _, svc := range cfg.Services {
			if svc.Name == "" {
				t.Error("unnamed service escaped validation")
			}
			if len(svc.Endpoints) == 0 {
				t.Errorf("service %q without endpoints escaped validation", svc.Name)
			}
			if !ValidStrategies[svc.Strategy] {
				t.Errorf("service %q with unknown strategy %q escaped validation", svc.Name, svc.Strategy)
			}
		}
	})
}
