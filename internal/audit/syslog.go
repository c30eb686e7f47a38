//go:build !windows && !plan9

package audit

import (
	"context"
	"encoding/json"
	"fmt"
	"log/syslog"
	"strings"
	"sync"
)

// SyslogShipper ships audit events to a syslog daemon
type SyslogShipper struct {
	writer *syslog.Writer
	mu     sync.Mutex
}

func newSyslogShipper(cfg *SyslogConfig) (Shipper, error) {
	tag := cfg.Tag
	if tag == "" {
		tag = "tfstate-backend"
	}

	facility, err := parseFacility(cfg.Facility)
	if err != nil {
		return nil, err
	}

	writer, err := syslog.Dial(cfg.Network, cfg.Address, facility|syslog.LOG_NOTICE, tag)
	if err != nil {
		return nil, fmt.Errorf("failed to dial syslog: %w", err)
	}

	return &SyslogShipper{writer: writer}, nil
}

// Ship writes an event as a single JSON message at notice severity
func (ss *SyslogShipper) Ship(ctx context.Context, entry *LogEntry) error {
	data, err := json.Marshal(entry)
	if err != nil {
		return fmt.Errorf("failed to marshal audit entry: %w", err)
	}

	ss.mu.Lock()
	defer ss.mu.Unlock()
	return ss.writer.Notice(string(data))
}

// Close closes the syslog connection
func (ss *SyslogShipper) Close() error {
	ss.mu.Lock()
	defer ss.mu.Unlock()
	return ss.writer.Close()
}

func parseFacility(name string) (syslog.Priority, error) {
	switch strings.ToLower(name) {
	case "", "daemon":
		return syslog.LOG_DAEMON, nil
	case "user":
		return syslog.LOG_USER, nil
	case "auth":
		return syslog.LOG_AUTH, nil
	case "local0":
		return syslog.LOG_LOCAL0, nil
	case "local1":
		return syslog.LOG_LOCAL1, nil
	case "local2":
		return syslog.LOG_LOCAL2, nil
	case "local3":
		return syslog.LOG_LOCAL3, nil
	case "local4":
		return syslog.LOG_LOCAL4, nil
	case "local5":
		return syslog.LOG_LOCAL5, nil
	case "local6":
		return syslog.LOG_LOCAL6, nil
	case "local7":
		return syslog.LOG_LOCAL7, nil
	default:
		return 0, fmt.Errorf("unknown syslog facility: %s", name)
	}
}
