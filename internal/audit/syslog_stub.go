//go:build windows || plan9

package audit

import "fmt"

func newSyslogShipper(cfg *SyslogConfig) (Shipper, error) {
	return nil, fmt.Errorf("syslog shipper is not supported on this platform")
}
