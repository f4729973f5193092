// Package main は運用CLIツールのエントリポイント。
package main

import (
	"bytes"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"os"
	"time"

	"github.com/spf13/cobra"

	"device-envelope-service/pkg/httputil"
)

const version = "1.0.0"

var (
	apiURL  string
	output  string
	timeout time.Duration
)

// HTTPクライアント
var httpClient *http.Client

func main() {
	rootCmd := &cobra.Command{
		Use:   "envelopectl",
		Short: "Device Envelope Service CLI",
		PersistentPreRun: func(cmd *cobra.Command, args []string) {
			if apiURL == "" {
				apiURL = os.Getenv("ENVELOPECTL_API_URL")
			}
			httpClient = &http.Client{Timeout: timeout}
		},
	}

	// グローバルフラグ
	rootCmd.PersistentFlags().StringVar(&apiURL, "api-url", "", "API endpoint URL (or set ENVELOPECTL_API_URL)")
	rootCmd.PersistentFlags().StringVar(&output, "output", "text", "Output format: text, json")
	rootCmd.PersistentFlags().DurationVar(&timeout, "timeout", 30*time.Second, "Request timeout")

	// サブコマンド登録
	rootCmd.AddCommand(provisionCmd())
	rootCmd.AddCommand(rotateCmd())
	rootCmd.AddCommand(revokeCmd())
	rootCmd.AddCommand(listCmd())
	rootCmd.AddCommand(devicesCmd())
	rootCmd.AddCommand(statsCmd())
	rootCmd.AddCommand(migrateCmd)
	rootCmd.AddCommand(versionCmd())

	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

// versionCmd はバージョン情報を表示する。
func versionCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Print version information",
		Run: func(cmd *cobra.Command, args []string) {
			fmt.Printf("envelopectl version %s\n", version)
		},
	}
}

// requireAPI は共通の事前チェックを行う。
func requireAPI(deviceID string, deviceRequired bool) error {
	if apiURL == "" {
		return fmt.Errorf("--api-url is required (or set ENVELOPECTL_API_URL)")
	}
	if deviceRequired && deviceID == "" {
		return fmt.Errorf("--device is required")
	}
	return nil
}

// doRequest はAPIリクエストを実行し、レスポンスボディを返す。
func doRequest(method, url string, body io.Reader, wantStatus int) ([]byte, error) {
	req, err := http.NewRequest(method, url, body)
	if err != nil {
		return nil, fmt.Errorf("building request: %w", err)
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("API request failed: %w", err)
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("reading response: %w", err)
	}

	if resp.StatusCode != wantStatus {
		return nil, handleErrorResponse(resp.StatusCode, respBody)
	}
	return respBody, nil
}

// handleErrorResponse はAPIエラーレスポンスを整形する。
func handleErrorResponse(status int, body []byte) error {
	var errResp httputil.ErrorResponse
	if err := json.Unmarshal(body, &errResp); err == nil && errResp.Code != "" {
		return fmt.Errorf("API error (%d %s): %s", status, errResp.Code, errResp.Message)
	}
	return fmt.Errorf("API error: unexpected status %d", status)
}

// printKeyResponse は鍵発行レスポンスを出力する。
func printKeyResponse(body []byte) error {
	if output == "json" {
		fmt.Println(string(body))
		return nil
	}
	var result map[string]interface{}
	if err := json.Unmarshal(body, &result); err != nil {
		return fmt.Errorf("parsing response: %w", err)
	}
	fmt.Printf("device_id:  %v\n", result["device_id"])
	fmt.Printf("generation: %v\n", result["generation"])
	fmt.Printf("key:        %v\n", result["key"])
	return nil
}

// provisionCmd はデバイス鍵の発行コマンド。
func provisionCmd() *cobra.Command {
	var deviceID string
	var keyB64 string
	cmd := &cobra.Command{
		Use:   "provision",
		Short: "Provision a key for a device (idempotent)",
		RunE: func(cmd *cobra.Command, args []string) error {
			if err := requireAPI(deviceID, true); err != nil {
				return err
			}

			var body io.Reader
			if keyB64 != "" {
				reqBody, err := json.Marshal(map[string]string{"key": keyB64})
				if err != nil {
					return fmt.Errorf("building request body: %w", err)
				}
				body = bytes.NewReader(reqBody)
			}

			url := fmt.Sprintf("%s/v1/devices/%s/keys", apiURL, deviceID)
			respBody, err := doRequest(http.MethodPost, url, body, http.StatusCreated)
			if err != nil {
				return err
			}
			return printKeyResponse(respBody)
		},
	}
	cmd.Flags().StringVar(&deviceID, "device", "", "Device ID (e.g. hosp1_p1)")
	cmd.Flags().StringVar(&keyB64, "key", "", "Optional base64-encoded 16-byte key material")
	return cmd
}

// rotateCmd は鍵のローテーションコマンド。
func rotateCmd() *cobra.Command {
	var deviceID string
	cmd := &cobra.Command{
		Use:   "rotate",
		Short: "Rotate the key for a device",
		RunE: func(cmd *cobra.Command, args []string) error {
			if err := requireAPI(deviceID, true); err != nil {
				return err
			}

			url := fmt.Sprintf("%s/v1/devices/%s/keys/rotate", apiURL, deviceID)
			respBody, err := doRequest(http.MethodPost, url, nil, http.StatusCreated)
			if err != nil {
				return err
			}
			return printKeyResponse(respBody)
		},
	}
	cmd.Flags().StringVar(&deviceID, "device", "", "Device ID")
	return cmd
}

// revokeCmd は鍵の失効コマンド。
func revokeCmd() *cobra.Command {
	var deviceID string
	cmd := &cobra.Command{
		Use:   "revoke",
		Short: "Revoke the active key for a device",
		RunE: func(cmd *cobra.Command, args []string) error {
			if err := requireAPI(deviceID, true); err != nil {
				return err
			}

			url := fmt.Sprintf("%s/v1/devices/%s/keys", apiURL, deviceID)
			if _, err := doRequest(http.MethodDelete, url, nil, http.StatusAccepted); err != nil {
				return err
			}
			fmt.Printf("revoked: %s\n", deviceID)
			return nil
		},
	}
	cmd.Flags().StringVar(&deviceID, "device", "", "Device ID")
	return cmd
}

// listCmd は鍵メタデータの一覧コマンド。
func listCmd() *cobra.Command {
	var deviceID string
	cmd := &cobra.Command{
		Use:   "list",
		Short: "List key metadata for a device",
		RunE: func(cmd *cobra.Command, args []string) error {
			if err := requireAPI(deviceID, true); err != nil {
				return err
			}

			url := fmt.Sprintf("%s/v1/devices/%s/keys", apiURL, deviceID)
			respBody, err := doRequest(http.MethodGet, url, nil, http.StatusOK)
			if err != nil {
				return err
			}
			fmt.Println(string(respBody))
			return nil
		},
	}
	cmd.Flags().StringVar(&deviceID, "device", "", "Device ID")
	return cmd
}

// devicesCmd はデバイス一覧コマンド。
func devicesCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "devices",
		Short: "List all provisioned devices",
		RunE: func(cmd *cobra.Command, args []string) error {
			if err := requireAPI("", false); err != nil {
				return err
			}

			respBody, err := doRequest(http.MethodGet, apiURL+"/v1/devices", nil, http.StatusOK)
			if err != nil {
				return err
			}
			fmt.Println(string(respBody))
			return nil
		},
	}
}

// statsCmd はエンベロープ処理カウンタの表示コマンド。
func statsCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "stats",
		Short: "Show envelope processing counters",
		RunE: func(cmd *cobra.Command, args []string) error {
			if err := requireAPI("", false); err != nil {
				return err
			}

			respBody, err := doRequest(http.MethodGet, apiURL+"/v1/envelope/stats", nil, http.StatusOK)
			if err != nil {
				return err
			}
			fmt.Println(string(respBody))
			return nil
		},
	}
}
