package report

import (
	"fmt"

	"github.com/provide-io/tofusoup-go/artifact"
)

// ReportCID returns the CIDv1 (raw codec, sha2-256) of canonical report
// bytes. Non-canonical input is rejected, so two labs that exchange a report
// always derive the same CID or none.
func ReportCID(reportBytes []byte) (string, error) {
	r, err := Parse(reportBytes)
	if err != nil {
		return "", fmt.Errorf("canonical report required: %w", err)
	}
	return artifact.CID(r.raw), nil
}
