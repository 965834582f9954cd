package commands

import (
	"bytes"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"os"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"
	"gorm.io/gorm"
)

var (
	db         *gorm.DB
	apiURL     string
	apiKey     string
	outputJSON bool
	verbose    bool
)

// SetDB sets the database connection for direct access
func SetDB(database *gorm.DB) {
	db = database
}

// SetAPIConfig sets the admin API configuration for remote access
func SetAPIConfig(url, key string) {
	apiURL = url
	apiKey = key
}

// SetOutputJSON sets the output format preference
func SetOutputJSON(json bool) {
	outputJSON = json
}

// SetVerbose sets verbose output
func SetVerbose(v bool) {
	verbose = v
}

// HTTPClient is a configured HTTP client for admin API calls
var HTTPClient = &http.Client{
	Timeout: 30 * time.Second,
}

// APIRequest makes a request to the gateway's admin API. The endpoint is
// relative to /api/admin.
func APIRequest(method, endpoint string, body interface{}) (*http.Response, error) {
	if apiURL == "" || apiKey == "" {
		return nil, fmt.Errorf("API URL and key required for remote operations")
	}

	var bodyReader io.Reader
	if body != nil {
		jsonBody, err := json.Marshal(body)
		if err != nil {
			return nil, fmt.Errorf("failed to marshal request body: %w", err)
		}
		bodyReader = bytes.NewBuffer(jsonBody)
	}

	req, err := http.NewRequest(method, apiURL+"/api/admin"+endpoint, bodyReader)
	if err != nil {
		return nil, fmt.Errorf("failed to create request: %w", err)
	}

	req.Header.Set("Authorization", "Bearer "+apiKey)
	req.Header.Set("Content-Type", "application/json")

	if verbose {
		fmt.Printf("Making %s request to: %s\n", method, apiURL+"/api/admin"+endpoint)
	}

	return HTTPClient.Do(req)
}

// decodeAPIError reads a failed response's error envelope for the message.
func decodeAPIError(resp *http.Response) error {
	var envelope struct {
		Error string `json:"error"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&envelope); err == nil && envelope.Error != "" {
		return fmt.Errorf("API request failed with status %d: %s", resp.StatusCode, envelope.Error)
	}
	return fmt.Errorf("API request failed with status %d", resp.StatusCode)
}

// OutputTable outputs data in table format
func OutputTable(headers []string, rows [][]string) {
	if outputJSON {
		var jsonRows []map[string]string
		for _, row := range rows {
			jsonRow := make(map[string]string)
			for i, cell := range row {
				if i < len(headers) {
					jsonRow[headers[i]] = cell
				}
			}
			jsonRows = append(jsonRows, jsonRow)
		}
		OutputJSON(jsonRows)
		return
	}

	w := tabwriter.NewWriter(os.Stdout, 0, 0, 2, ' ', 0)

	for i, header := range headers {
		if i > 0 {
			_, _ = fmt.Fprint(w, "\t")
		}
		_, _ = fmt.Fprint(w, header)
	}
	_, _ = fmt.Fprintln(w)

	for i := range headers {
		if i > 0 {
			_, _ = fmt.Fprint(w, "\t")
		}
		_, _ = fmt.Fprint(w, "---")
	}
	_, _ = fmt.Fprintln(w)

	for _, row := range rows {
		for i, cell := range row {
			if i > 0 {
				_, _ = fmt.Fprint(w, "\t")
			}
			_, _ = fmt.Fprint(w, cell)
		}
		_, _ = fmt.Fprintln(w)
	}

	_ = w.Flush()
}

// OutputJSON outputs data in JSON format
func OutputJSON(data interface{}) {
	encoder := json.NewEncoder(os.Stdout)
	encoder.SetIndent("", "  ")
	if err := encoder.Encode(data); err != nil {
		fmt.Fprintf(os.Stderr, "Error encoding JSON: %v\n", err)
	}
}

// IsDirectDBAccess returns true if we have database access
func IsDirectDBAccess() bool {
	return db != nil
}

// IsAPIAccess returns true if we have API access configured
func IsAPIAccess() bool {
	return apiURL != "" && apiKey != ""
}

// NewConfigCommand creates the config command
func NewConfigCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "config",
		Short: "Show CLI configuration",
		Long:  "Show how the CLI is currently connected",
	}

	cmd.AddCommand(&cobra.Command{
		Use:   "show",
		Short: "Show current configuration",
		RunE: func(cmd *cobra.Command, args []string) error {
			config := map[string]interface{}{
				"database_access": IsDirectDBAccess(),
				"api_access":      IsAPIAccess(),
				"output_json":     outputJSON,
				"verbose":         verbose,
			}

			if IsAPIAccess() {
				config["api_url"] = apiURL
			}

			if outputJSON {
				OutputJSON(config)
			} else {
				fmt.Printf("Database Access: %v\n", IsDirectDBAccess())
				fmt.Printf("API Access: %v\n", IsAPIAccess())
				if IsAPIAccess() {
					fmt.Printf("API URL: %s\n", apiURL)
				}
				fmt.Printf("JSON Output: %v\n", outputJSON)
				fmt.Printf("Verbose: %v\n", verbose)
			}

			return nil
		},
	})

	return cmd
}
