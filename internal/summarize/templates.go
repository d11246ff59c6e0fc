package summarize

import (
	"strings"
	"text/template"

	"arc-sentinel/internal/forensics"
	"arc-sentinel/internal/incident"
)

type view struct {
	Inc             *incident.Incident
	Severity        string
	Report          *forensics.Report
	Processes       []forensics.ProcessSnapshot
	Recommendations []string
}

func newView(inc *incident.Incident, r *forensics.Report) view {
	v := view{
		Inc:             inc,
		Severity:        strings.ToUpper(string(inc.Severity)),
		Report:          r,
		Recommendations: recommendations(inc.Classification),
	}
	if r != nil {
		v.Processes = r.TopProcesses
		if len(v.Processes) > 5 {
			v.Processes = v.Processes[:5]
		}
	}
	return v
}

var remediation = map[string][]string{
	"bruteforce": {
		"Block the source IP at the perimeter firewall",
		"Force a password reset for targeted accounts",
		"Enable account lockout after repeated failures",
		"Require multi-factor authentication for remote logins",
		"Review authentication logs for successful logins from the source",
	},
	"port_scan": {
		"Block the scanning source at the firewall",
		"Audit exposed services on the scanned hosts",
		"Close unused listening ports",
		"Check for follow-up exploitation attempts from the source",
		"Tune IDS signatures for reconnaissance",
	},
	"malware": {
		"Isolate the affected host from the network",
		"Capture memory and disk images before cleanup",
		"Terminate and quarantine the malicious binary",
		"Scan adjacent hosts for the same hash",
		"Rotate credentials used on the affected host",
	},
	"ddos": {
		"Engage upstream traffic scrubbing or rate limiting",
		"Block the top offending sources",
		"Scale or fail over the targeted service",
		"Verify that monitoring covers the targeted endpoints",
		"Coordinate with the ISP on sustained attack traffic",
	},
	"sql_injection": {
		"Block the source and review WAF logs",
		"Audit the targeted endpoint for unparameterized queries",
		"Check the database for unauthorized reads or changes",
		"Rotate database credentials used by the application",
		"Add input validation and prepared statements",
	},
	"data_exfiltration": {
		"Block the destination of the transfer",
		"Identify the data that left the network",
		"Suspend the account responsible for the transfer",
		"Preserve network captures for legal review",
		"Apply egress filtering and DLP controls",
	},
	"privilege_escalation": {
		"Revoke the sessions of the escalating account",
		"Review sudoers and group memberships",
		"Patch the exploited vulnerability if one was used",
		"Audit commands run with elevated privileges",
		"Rotate credentials for privileged accounts",
	},
	"malicious_traffic": {
		"Quarantine hosts that contacted the blacklisted destination",
		"Block the destination at DNS and firewall",
		"Inspect the contacting processes for malware",
		"Check threat intelligence for related indicators",
		"Review proxy logs for other clients",
	},
}

func recommendations(classification string) []string {
	if r, ok := remediation[classification]; ok {
		return r
	}
	return []string{
		"Review the anomalous event and its source",
		"Correlate with other activity from the same source",
		"Escalate to an analyst if the behaviour is unexplained",
		"Follow standard incident response procedures",
		"Retrain the model if the behaviour is legitimate",
	}
}

var funcs = template.FuncMap{
	"inc": func(i int) int { return i + 1 },
}

var promptTemplate = template.Must(template.New("prompt").Funcs(funcs).Parse(`You are a senior SOC analyst.
Summarize this forensic snapshot for incident response analysis. Provide remediation in 5 bullets.

=== INCIDENT ===
Classification: {{.Inc.Classification}}
Severity: {{.Severity}}
Description: {{.Inc.Description}}
Detected: {{.Inc.CreatedAt.Format "2006-01-02T15:04:05Z07:00"}}
Status: {{.Inc.Status}}
Source: {{.Inc.SourceIP}}{{if .Inc.DestIP}} -> {{.Inc.DestIP}}{{end}}
{{if .Inc.Scored}}Anomaly score: {{printf "%.2f" .Inc.Score}}
{{end}}{{if .Inc.MITRE}}MITRE ATT&CK: {{.Inc.MITRE.TacticName}} ({{.Inc.MITRE.TechniqueID}})
{{end}}{{with .Inc.Indicators}}Indicators:{{range .}}
- {{.}}{{end}}
{{end}}{{with .Report}}
=== HOST AT CAPTURE ===
Host: {{.Host.Hostname}} ({{.Host.Platform}})
CPU: {{printf "%.1f" .Host.CPUPercent}}%
Memory: {{printf "%.1f" .Host.MemoryPercent}}%
Connections: {{.Connections}}
{{end}}{{with .Processes}}
=== TOP PROCESSES ===
{{range .}}- {{.Name}} (pid {{.PID}}, cpu {{printf "%.1f" .CPUPercent}}%)
{{end}}{{end}}
=== REQUIRED OUTPUT ===
1. Executive summary (2-3 sentences)
2. Technical analysis
3. Impact assessment
4. Remediation (exactly 5 bullets)
5. Prevention measures
Use markdown headers.
`))

var fallbackTemplate = template.Must(template.New("fallback").Funcs(funcs).Parse(`## Incident Summary

**Classification:** {{.Inc.Classification}}
**Severity:** {{.Severity}}
**Status:** {{.Inc.Status}}
{{if .Inc.Scored}}**Anomaly score:** {{printf "%.2f" .Inc.Score}}
{{end}}
### Executive Summary
A {{.Inc.Severity}} severity {{.Inc.Classification}} incident from {{.Inc.SourceIP}} was detected and needs attention.

### Technical Analysis
{{.Inc.Description}}

### Indicators
{{range .Inc.Indicators}}- {{.}}
{{else}}- None identified
{{end}}{{with .Report}}
### Host State
- **Host:** {{.Host.Hostname}}
- **CPU:** {{printf "%.1f" .Host.CPUPercent}}%
- **Memory:** {{printf "%.1f" .Host.MemoryPercent}}%
- **Processes captured:** {{len .TopProcesses}}
- **Connections:** {{.Connections}}
{{end}}
### Remediation
{{range $i, $r := .Recommendations}}{{inc $i}}. {{$r}}
{{end}}
---
*Automated summary. AI analysis unavailable.*
`))

func render(t *template.Template, v view) (string, error) {
	var sb strings.Builder
	if err := t.Execute(&sb, v); err != nil {
		return "", err
	}
	return sb.String(), nil
}
