package config

import "fmt"

// Validate 校验配置的内部一致性
func (c *Config) Validate() error {
	if c.Network.Port < 0 || c.Network.Port > 65535 {
		return fmt.Errorf("network: invalid port %d", c.Network.Port)
	}
	if c.Network.PingInterval <= 0 {
		return fmt.Errorf("network: ping_interval must be positive")
	}
	if (c.Network.TLSCertFile == "") != (c.Network.TLSKeyFile == "") {
		return fmt.Errorf("network: tls_cert_file and tls_key_file must be set together")
	}

	if c.Node.DisconnectionWait <= 0 {
		return fmt.Errorf("node: disconnection_wait must be positive")
	}
	if c.Node.TrackerBackoffBase <= 0 || c.Node.TrackerBackoffMax < c.Node.TrackerBackoffBase {
		return fmt.Errorf("node: invalid tracker backoff range")
	}

	if c.Tracker.MaxNeighbors <= 0 {
		return fmt.Errorf("tracker: max_neighbors must be positive")
	}

	if c.Resend.MaxInactivityPeriod <= 0 {
		return fmt.Errorf("resend: max_inactivity_period must be positive")
	}
	if c.Resend.StoreMaxPerStream <= 0 {
		return fmt.Errorf("resend: store_max_per_stream must be positive")
	}
	return nil
}
