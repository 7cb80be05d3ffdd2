package main

import (
	"encoding/json"
	"fmt"
	"io"
	"strconv"

	"github.com/kumulus/kumulus-agent/pkg/environment"
	"github.com/kumulus/kumulus-agent/pkg/telemetry"
	"github.com/olekukonko/tablewriter"
	"gopkg.in/yaml.v3"
)

// OutputFormat represents the output format
type OutputFormat string

const (
	OutputTable OutputFormat = "table"
	OutputJSON  OutputFormat = "json"
	OutputYAML  OutputFormat = "yaml"
)

// Outputter handles formatted output
type Outputter struct {
	format OutputFormat
	writer io.Writer
}

// NewOutputter creates a new outputter writing to w
func NewOutputter(format string, w io.Writer) (*Outputter, error) {
	switch OutputFormat(format) {
	case OutputTable, OutputJSON, OutputYAML:
	default:
		return nil, fmt.Errorf("unknown output format: %s", format)
	}
	return &Outputter{format: OutputFormat(format), writer: w}, nil
}

// Format returns the output format
func (o *Outputter) Format() OutputFormat {
	return o.format
}

// Print outputs data as JSON or YAML. Tables need per-type rows and go
// through PrintTable.
func (o *Outputter) Print(data any) error {
	switch o.format {
	case OutputJSON:
		encoder := json.NewEncoder(o.writer)
		encoder.SetIndent("", "  ")
		return encoder.Encode(data)
	case OutputYAML:
		encoder := yaml.NewEncoder(o.writer)
		encoder.SetIndent(2)
		defer encoder.Close()
		return encoder.Encode(data)
	default:
		return fmt.Errorf("table format requires custom formatting")
	}
}

// PrintTable prints rows under headers
func (o *Outputter) PrintTable(headers []string, rows [][]string) error {
	table := tablewriter.NewWriter(o.writer)

	headerAny := make([]any, len(headers))
	for i, h := range headers {
		headerAny[i] = h
	}
	table.Header(headerAny...)

	for _, row := range rows {
		if err := table.Append(row); err != nil {
			return err
		}
	}
	return table.Render()
}

// PrintReport prints a health report in the configured format
func (o *Outputter) PrintReport(report telemetry.HealthReport) error {
	if o.format != OutputTable {
		return o.Print(report)
	}
	return o.PrintTable([]string{"Field", "Value"}, [][]string{
		{"cpu_usage", strconv.FormatFloat(report.CPUUsage, 'f', 1, 64)},
		{"memory_free", report.MemoryFree},
		{"disk_free", report.DiskFree},
		{"docker_status", report.DockerStatus},
		{"running_containers", strconv.Itoa(report.RunningContainers)},
		{"unhealthy_containers", strconv.Itoa(report.UnhealthyContainers)},
		{"timestamp", report.TimestampHuman},
	})
}

// inspection is what the inspect command reports
type inspection struct {
	Capacity     telemetry.Capacity    `json:"capacity" yaml:"capacity"`
	Engine       string                `json:"engine" yaml:"engine"`
	EngineStatus string                `json:"engine_status" yaml:"engine_status"`
	SSHPorts     string                `json:"ssh_ports" yaml:"ssh_ports"`
	Environments []environment.Summary `json:"environments" yaml:"environments"`
}

// PrintInspection prints host capacity and managed environments
func (o *Outputter) PrintInspection(in inspection) error {
	if o.format != OutputTable {
		return o.Print(in)
	}

	c := in.Capacity
	if err := o.PrintTable([]string{"Resource", "Value"}, [][]string{
		{"hostname", c.Hostname},
		{"platform", c.Platform},
		{"kernel", c.KernelVersion},
		{"cpu", fmt.Sprintf("%d x %s", c.CPUCores, c.CPUModel)},
		{"memory", fmt.Sprintf("%s available of %s", telemetry.HumanBytes(c.MemoryAvailable), telemetry.HumanBytes(c.MemoryTotal))},
		{"disk", fmt.Sprintf("%s free of %s (%.1f%% used)", telemetry.HumanBytes(c.DiskFree), telemetry.HumanBytes(c.DiskTotal), c.DiskUsedPercent)},
		{"engine", in.Engine + " (" + in.EngineStatus + ")"},
		{"ssh ports", in.SSHPorts},
	}); err != nil {
		return err
	}

	if len(in.Environments) == 0 {
		_, err := fmt.Fprintln(o.writer, "No managed environments")
		return err
	}

	rows := make([][]string, 0, len(in.Environments))
	for _, env := range in.Environments {
		rows = append(rows, []string{env.ID, env.Owner, env.State, string(env.Status)})
	}
	return o.PrintTable([]string{"VM ID", "Owner", "State", "Status"}, rows)
}
