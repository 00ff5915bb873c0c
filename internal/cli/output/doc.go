// Package output formats meshtopo-cli results.
//
//   - formatter.go: Formatter interface and factory
//   - table.go: column tables from structs, maps and slices
//   - json.go: JSON output formatting
//   - yaml.go: YAML output formatting, keeping the JSON field names and order
//   - spinner.go: Progress animation while waiting on the cluster
package output
