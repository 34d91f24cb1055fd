package config

import (
	"fmt"
	"os"

	"gopkg.in/yaml.v3"

	"github.com/Reaper404-wag/russian-trading-bot/internal/broker"
	"github.com/Reaper404-wag/russian-trading-bot/internal/orders"
	"github.com/Reaper404-wag/russian-trading-bot/internal/risk"
	"github.com/Reaper404-wag/russian-trading-bot/internal/runner"
	"github.com/Reaper404-wag/russian-trading-bot/internal/signal"
)

type Logging struct {
	Level  string `yaml:"level"`
	Pretty bool   `yaml:"pretty"`
}

type Server struct {
	Addr      string `yaml:"addr"`
	ReplayCap int    `yaml:"replay_cap"`
}

type Storage struct {
	LedgerPath string `yaml:"ledger_path"`
	AuditDB    string `yaml:"audit_db"` // empty disables the sqlite recorder
}

type Root struct {
	Mode        string           `yaml:"mode"` // paper | dry-run
	InitialCash float64          `yaml:"initial_cash"`
	Holidays    []string         `yaml:"holidays"` // YYYY-MM-DD, MOEX closures
	Fusion      signal.Config    `yaml:"fusion"`
	Risk        risk.Parameters  `yaml:"risk"`
	Orders      orders.Config    `yaml:"orders"`
	Broker      broker.SimConfig `yaml:"broker"`
	Runner      runner.Config    `yaml:"runner"`
	Server      Server           `yaml:"server"`
	Storage     Storage          `yaml:"storage"`
	Logging     Logging          `yaml:"logging"`
}

// Load reads and validates the config, filling working defaults so a minimal
// file runs the paper pipeline out of the box.
func Load(path string) (Root, error) {
	var c Root
	b, err := os.ReadFile(path)
	if err != nil {
		return c, err
	}
	if err := yaml.Unmarshal(b, &c); err != nil {
		return c, err
	}
	// Checked before defaulting: Defaulted clamps, which would mask the typo.
	if c.Risk.RiskMultiplier > 1 {
		return c, fmt.Errorf("config: risk_multiplier %.2f exceeds 1, multipliers only shrink", c.Risk.RiskMultiplier)
	}
	return c.defaulted().validate()
}

func (c Root) defaulted() Root {
	if c.Mode == "" {
		c.Mode = "paper"
	}
	if c.InitialCash == 0 {
		c.InitialCash = 1_000_000
	}
	c.Fusion = c.Fusion.Defaulted()
	c.Risk = c.Risk.Defaulted()

	if len(c.Runner.Symbols) == 0 {
		c.Runner.Symbols = []string{"SBER", "GAZP", "LKOH", "GMKN", "MTSS", "MGNT", "YDEX"}
	}
	if c.Runner.Sectors == nil {
		c.Runner.Sectors = map[string]string{
			"SBER": "finance", "GAZP": "energy", "LKOH": "energy",
			"GMKN": "metals", "MTSS": "telecom", "MGNT": "retail", "YDEX": "tech",
		}
	}
	if c.Server.Addr == "" {
		c.Server.Addr = ":8080"
	}
	if c.Server.ReplayCap == 0 {
		c.Server.ReplayCap = 1000
	}
	if c.Storage.LedgerPath == "" {
		c.Storage.LedgerPath = "data/ledger.json"
	}
	if c.Logging.Level == "" {
		c.Logging.Level = "info"
	}
	return c
}

func (c Root) validate() (Root, error) {
	switch c.Mode {
	case "paper", "dry-run":
	default:
		return c, fmt.Errorf("config: unsupported mode %q", c.Mode)
	}
	if c.InitialCash < 0 {
		return c, fmt.Errorf("config: negative initial_cash %.2f", c.InitialCash)
	}
	for _, sym := range c.Runner.Symbols {
		if _, ok := c.Runner.Sectors[sym]; !ok {
			return c, fmt.Errorf("config: symbol %s has no sector mapping", sym)
		}
	}
	return c, nil
}
