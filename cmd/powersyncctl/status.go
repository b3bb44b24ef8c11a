package main

import (
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"
)

func init() {
	rootCmd.AddCommand(statusCmd)
}

var statusCmd = &cobra.Command{
	Use:   "status",
	Short: "Check readiness of the sync service instance",
	Run: func(cmd *cobra.Command, args []string) {
		fetchReadiness()
	},
}

func fetchReadiness() {
	client := &http.Client{Timeout: 5 * time.Second}
	url := fmt.Sprintf("%s/readyz", viper.GetString("url"))
	req, _ := http.NewRequest("GET", url, nil)
	if key := viper.GetString("key"); key != "" {
		req.Header.Set("Authorization", "Bearer "+key)
	}

	resp, err := client.Do(req)
	if err != nil {
		fmt.Printf("error connecting to sync service: %v\n", err)
		return
	}
	defer resp.Body.Close()

	var body struct {
		Status string         `json:"status"`
		Time   string         `json:"time"`
		Checks map[string]any `json:"checks"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&body); err != nil {
		fmt.Printf("error parsing readiness response: %v\n", err)
		return
	}

	fmt.Printf("Status: %s\n", body.Status)
	fmt.Printf("Time:   %s\n", body.Time)
	for name, check := range body.Checks {
		fmt.Printf("  %s: %v\n", name, check)
	}
}
