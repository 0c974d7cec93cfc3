// Package main provides the entry point for the transfer2read conversion service.
package main

import (
	"fmt"
	"os"

	"github.com/joho/godotenv"
	"github.com/spf13/cobra"
)

var rootCmd = &cobra.Command{
	Use:   "transfer2read",
	Short: "PDF to EPUB conversion service",
	Long:  "transfer2read converts uploaded PDF documents into reflowable EPUBs through an AI-assisted analysis, extraction, structuring, and generation pipeline.",
}

func main() {
	// Load .env file if it exists
	_ = godotenv.Load()

	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}
