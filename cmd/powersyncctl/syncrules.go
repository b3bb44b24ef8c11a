package main

import (
	"bytes"
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"
)

func init() {
	rootCmd.AddCommand(syncRulesCmd)
	syncRulesCmd.AddCommand(syncRulesStatusCmd)
	syncRulesCmd.AddCommand(syncRulesLastErrorCmd)
	syncRulesCmd.AddCommand(syncRulesDeployCmd)

	syncRulesStatusCmd.Flags().String("group-id", "", "replication group id")
	syncRulesLastErrorCmd.Flags().String("group-id", "", "replication group id")
	syncRulesDeployCmd.Flags().String("group-id", "", "replication group id")
}

var syncRulesCmd = &cobra.Command{
	Use:   "sync-rules",
	Short: "Inspect the sync rules deployment lifecycle",
}

var syncRulesStatusCmd = &cobra.Command{
	Use:   "status",
	Short: "Show the active sync rules deployment's state",
	Run: func(cmd *cobra.Command, args []string) {
		groupID, _ := cmd.Flags().GetString("group-id")
		getJSON("/api/sync-rules/status", groupID)
	},
}

var syncRulesLastErrorCmd = &cobra.Command{
	Use:   "last-error",
	Short: "Show the last fatal replication error for the active deployment",
	Run: func(cmd *cobra.Command, args []string) {
		groupID, _ := cmd.Flags().GetString("group-id")
		getJSON("/api/sync-rules/last-error", groupID)
	},
}

var syncRulesDeployCmd = &cobra.Command{
	Use:   "deploy",
	Short: "Deploy a new sync rules document, transitioning it to PROCESSING",
	Run: func(cmd *cobra.Command, args []string) {
		groupID, _ := cmd.Flags().GetString("group-id")
		body, _ := json.Marshal(map[string]string{"group_id": groupID})

		client := &http.Client{Timeout: 10 * time.Second}
		url := fmt.Sprintf("%s/api/sync-rules", viper.GetString("url"))
		req, _ := http.NewRequest("POST", url, bytes.NewReader(body))
		req.Header.Set("Content-Type", "application/json")
		if key := viper.GetString("key"); key != "" {
			req.Header.Set("Authorization", "Bearer "+key)
		}

		resp, err := client.Do(req)
		if err != nil {
			fmt.Printf("error connecting to sync service: %v\n", err)
			return
		}
		defer resp.Body.Close()

		var out map[string]any
		if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
			fmt.Printf("error parsing response: %v\n", err)
			return
		}
		fmt.Printf("deployed: %v\n", out)
	},
}

func getJSON(path, groupID string) {
	client := &http.Client{Timeout: 5 * time.Second}
	url := fmt.Sprintf("%s%s", viper.GetString("url"), path)
	if groupID != "" {
		url += "?group_id=" + groupID
	}
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

	var body map[string]any
	if err := json.NewDecoder(resp.Body).Decode(&body); err != nil {
		fmt.Printf("error parsing response: %v\n", err)
		return
	}
	for k, v := range body {
		fmt.Printf("%s: %v\n", k, v)
	}
}
