package config

import (
	"net"

	"github.com/hivetrap/hivetrap/util"
)

// FilterSource returns true if events from the given source address should be
// dropped before classification. Operators list their own scanners and uptime
// monitors in never_report_subnets to keep them out of the backend.
func (fs *Filtering) FilterSource(srcIP net.IP) bool {
	if srcIP == nil {
		return false
	}
	return util.ContainsSubnetIP(fs.NeverReportSubnets, srcIP)
}
