// Package report renders run results for the terminal.
package report
