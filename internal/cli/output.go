package cli

import (
	"encoding/json"
	"fmt"
	"io"
	"os"

	"github.com/fatih/color"
	"github.com/gocarina/gocsv"
	"github.com/olekukonko/tablewriter"
	"github.com/spf13/cobra"
)

// Terminal styles.
var (
	ColorRed    = color.New(color.FgRed)
	ColorGreen  = color.New(color.FgGreen)
	ColorYellow = color.New(color.FgYellow)
	ColorCyan   = color.New(color.FgCyan)
	ColorBold   = color.New(color.Bold)
	ColorDim    = color.New(color.Faint)
)

// Output handles formatted output for the CLI.
type Output struct {
	writer       io.Writer
	jsonMode     bool
	csvMode      bool
	colorEnabled bool
}

// NewOutput creates a new Output instance.
func NewOutput(cmd *cobra.Command) *Output {
	jsonMode, _ := cmd.Flags().GetBool("json")
	csvMode, _ := cmd.Flags().GetBool("csv")
	w := cmd.OutOrStdout()
	return &Output{
		writer:       w,
		jsonMode:     jsonMode,
		csvMode:      csvMode && !jsonMode,
		colorEnabled: !jsonMode && !csvMode && w == os.Stdout && !color.NoColor,
	}
}

// IsJSON returns true if JSON output mode is enabled.
func (o *Output) IsJSON() bool {
	return o.jsonMode
}

// IsCSV returns true if CSV output mode is enabled.
func (o *Output) IsCSV() bool {
	return o.csvMode
}

// JSON outputs data as JSON.
func (o *Output) JSON(data interface{}) error {
	encoder := json.NewEncoder(o.writer)
	encoder.SetIndent("", "  ")
	return encoder.Encode(data)
}

// CSV outputs a slice of csv-tagged structs.
func (o *Output) CSV(rows interface{}) error {
	return gocsv.Marshal(rows, o.writer)
}

// Println prints a message with newline.
func (o *Output) Println(args ...interface{}) {
	fmt.Fprintln(o.writer, args...)
}

// Printf prints a formatted message.
func (o *Output) Printf(format string, args ...interface{}) {
	fmt.Fprintf(o.writer, format, args...)
}

// Success prints a success message in green.
func (o *Output) Success(format string, args ...interface{}) {
	o.colored(ColorGreen, format, args...)
}

// Error prints an error message in red.
func (o *Output) Error(format string, args ...interface{}) {
	o.colored(ColorRed, format, args...)
}

// Warning prints a warning message in yellow.
func (o *Output) Warning(format string, args ...interface{}) {
	o.colored(ColorYellow, format, args...)
}

// Info prints an info message in cyan.
func (o *Output) Info(format string, args ...interface{}) {
	o.colored(ColorCyan, format, args...)
}

// Bold prints a bold message.
func (o *Output) Bold(format string, args ...interface{}) {
	o.colored(ColorBold, format, args...)
}

// Dim prints a dimmed message.
func (o *Output) Dim(format string, args ...interface{}) {
	o.colored(ColorDim, format, args...)
}

func (o *Output) colored(c *color.Color, format string, args ...interface{}) {
	fmt.Fprintln(o.writer, o.ColoredString(c, fmt.Sprintf(format, args...)))
}

// ColoredString returns a colored string without newline.
func (o *Output) ColoredString(c *color.Color, text string) string {
	if !o.colorEnabled {
		return text
	}
	return c.Sprint(text)
}

// Table renders rows with tablewriter.
type Table struct {
	tw      *tablewriter.Table
	columns int
}

// NewTable creates a new table writing to the output.
func NewTable(output *Output, headers ...string) *Table {
	tw := tablewriter.NewWriter(output.writer)
	tw.SetHeader(headers)
	tw.SetAutoWrapText(false)
	tw.SetAutoFormatHeaders(true)
	tw.SetHeaderAlignment(tablewriter.ALIGN_LEFT)
	tw.SetAlignment(tablewriter.ALIGN_LEFT)
	tw.SetBorder(false)
	tw.SetColumnSeparator("")
	tw.SetHeaderLine(true)
	tw.SetTablePadding("  ")
	return &Table{tw: tw, columns: len(headers)}
}

// SetRightAligned right-aligns the given column indexes.
func (t *Table) SetRightAligned(columns ...int) {
	aligns := make([]int, t.columns)
	for i := range aligns {
		aligns[i] = tablewriter.ALIGN_LEFT
	}
	for _, c := range columns {
		if c >= 0 && c < t.columns {
			aligns[c] = tablewriter.ALIGN_RIGHT
		}
	}
	t.tw.SetColumnAlignment(aligns)
}

// AddRow adds a row to the table.
func (t *Table) AddRow(cells ...string) {
	t.tw.Append(cells)
}

// Render renders the table.
func (t *Table) Render() {
	t.tw.Render()
}
