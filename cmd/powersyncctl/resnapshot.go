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
	rootCmd.AddCommand(resnapshotCmd)
}

var resnapshotCmd = &cobra.Command{
	Use:   "resnapshot",
	Short: "Drain the resnapshot queue and report how many rows it held (the rows are not re-read)",
	Run: func(cmd *cobra.Command, args []string) {
		client := &http.Client{Timeout: 10 * time.Second}
		url := fmt.Sprintf("%s/api/resnapshot", viper.GetString("url"))
		req, _ := http.NewRequest("POST", url, nil)
		if key := viper.GetString("key"); key != "" {
			req.Header.Set("Authorization", "Bearer "+key)
		}

		resp, err := client.Do(req)
		if err != nil {
			fmt.Printf("error connecting to sync service: %v\n", err)
			return
		}
		defer resp.Body.Close()

		if resp.StatusCode == http.StatusNotImplemented {
			fmt.Println("resnapshot queue is not enabled on this instance")
			return
		}

		var body struct {
			Requeued int `json:"requeued"`
		}
		if err := json.NewDecoder(resp.Body).Decode(&body); err != nil {
			fmt.Printf("error parsing response: %v\n", err)
			return
		}
		fmt.Printf("drained %d source rows from the resnapshot queue\n", body.Requeued)
	},
}
