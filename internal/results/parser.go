// Package results projects raw scanner exports into filterable,
// paginated line-delimited JSON.
package results

import (
	"encoding/xml"
	"strconv"
	"strings"

	"scand/internal/errs"
)

// Report is the parsed form of one scanner export.
type Report struct {
	ScanName        string
	PolicyName      string
	HostCount       int
	Vulnerabilities []Vulnerability
}

// Vulnerability is one finding, keyed by its projection field names.
// Optional source fields are absent from the map rather than zeroed, so
// filter semantics can tell "missing" from "empty".
type Vulnerability map[string]any

// xml shapes for a Nessus-v2 style export
type nessusFile struct {
	XMLName xml.Name `xml:"NessusClientData_v2"`
	Policy  struct {
		Name string `xml:"policyName"`
	} `xml:"Policy"`
	Report struct {
		Name  string       `xml:"name,attr"`
		Hosts []reportHost `xml:"ReportHost"`
	} `xml:"Report"`
}

type reportHost struct {
	Name  string       `xml:"name,attr"`
	Items []reportItem `xml:"ReportItem"`
}

type reportItem struct {
	Port         int    `xml:"port,attr"`
	SvcName      string `xml:"svc_name,attr"`
	Protocol     string `xml:"protocol,attr"`
	Severity     int    `xml:"severity,attr"`
	PluginID     int    `xml:"pluginID,attr"`
	PluginName   string `xml:"pluginName,attr"`
	PluginFamily string `xml:"pluginFamily,attr"`

	RiskFactor       string   `xml:"risk_factor"`
	Synopsis         string   `xml:"synopsis"`
	Description      string   `xml:"description"`
	Solution         string   `xml:"solution"`
	PluginOutput     string   `xml:"plugin_output"`
	CVSSBaseScore    *float64 `xml:"cvss_base_score"`
	CVSS3BaseScore   *float64 `xml:"cvss3_base_score"`
	CVSSVector       string   `xml:"cvss_vector"`
	CVE              []string `xml:"cve"`
	SeeAlso          []string `xml:"see_also"`
	ExploitAvailable string   `xml:"exploit_available"`
}

// Parse decodes a scanner export into a Report.
func Parse(data []byte) (*Report, error) {
	const op = "results.Parse"
	var file nessusFile
	if err := xml.Unmarshal(data, &file); err != nil {
		return nil, errs.E(op, errs.KindInvalidArgument, err)
	}

	report := &Report{
		ScanName:   file.Report.Name,
		PolicyName: file.Policy.Name,
		HostCount:  len(file.Report.Hosts),
	}
	for _, host := range file.Report.Hosts {
		for _, item := range host.Items {
			report.Vulnerabilities = append(report.Vulnerabilities, buildVuln(host.Name, item))
		}
	}
	return report, nil
}

// buildVuln flattens one ReportItem into a projection field map. The
// minimal-profile fields are always present; the rest appear only when
// the source carried them.
func buildVuln(host string, item reportItem) Vulnerability {
	v := Vulnerability{
		"host":              host,
		"port":              item.Port,
		"protocol":          item.Protocol,
		"plugin_id":         item.PluginID,
		"plugin_name":       item.PluginName,
		"plugin_family":     item.PluginFamily,
		"severity":          item.Severity,
		"cve":               append([]string{}, item.CVE...),
		"cvss_score":        scoreOrZero(item.CVSSBaseScore),
		"exploit_available": parseTruthy(item.ExploitAvailable),
	}
	if item.SvcName != "" {
		v["service"] = item.SvcName
	}
	if item.RiskFactor != "" {
		v["risk_factor"] = item.RiskFactor
	}
	if item.Synopsis != "" {
		v["synopsis"] = item.Synopsis
	}
	if item.Description != "" {
		v["description"] = item.Description
	}
	if item.Solution != "" {
		v["solution"] = item.Solution
	}
	if item.PluginOutput != "" {
		v["plugin_output"] = item.PluginOutput
	}
	if item.CVSS3BaseScore != nil {
		v["cvss3_base_score"] = *item.CVSS3BaseScore
	}
	if item.CVSSVector != "" {
		v["cvss_vector"] = item.CVSSVector
	}
	if len(item.SeeAlso) > 0 {
		v["see_also"] = append([]string{}, item.SeeAlso...)
	}
	return v
}

func scoreOrZero(f *float64) float64 {
	if f == nil {
		return 0
	}
	return *f
}

// parseTruthy interprets the loose boolean encodings scanners emit.
func parseTruthy(s string) bool {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "true", "yes", "1":
		return true
	default:
		if n, err := strconv.Atoi(strings.TrimSpace(s)); err == nil {
			return n != 0
		}
		return false
	}
}

// Count parses data and returns the number of findings. Used by the
// worker for the opportunistic vulnerability count.
func Count(data []byte) (int, error) {
	report, err := Parse(data)
	if err != nil {
		return 0, err
	}
	return len(report.Vulnerabilities), nil
}
