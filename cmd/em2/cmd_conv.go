package main

import (
	"bytes"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"os"
	"strings"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"

	"github.com/user/em2/internal/httpapi"
	"github.com/user/em2/internal/types"
)

var (
	convAs      string
	convNodeURL string

	createSubject string
	createMessage string
	createTo      []string
	createPublish bool
)

func init() {
	rootCmd.AddCommand(convCmd)
	convCmd.PersistentFlags().StringVar(&convAs, "as", "", "local user to act as (required)")
	convCmd.PersistentFlags().StringVar(&convNodeURL, "url", "", "node URL (default node.url from config)")
	convCmd.MarkPersistentFlagRequired("as") //nolint:errcheck

	convCreateCmd.Flags().StringVar(&createSubject, "subject", "", "conversation subject")
	convCreateCmd.Flags().StringVar(&createMessage, "message", "", "first message")
	convCreateCmd.Flags().StringSliceVar(&createTo, "to", nil, "participants")
	convCreateCmd.Flags().BoolVar(&createPublish, "publish", false, "publish immediately instead of saving a draft")

	convCmd.AddCommand(convListCmd, convCreateCmd, convActCmd, convPublishCmd, convShowCmd)
}

var convCmd = &cobra.Command{
	Use:   "conv",
	Short: "Work with conversations through the running node",
}

// apiClient talks to the local conversation API with a short lived token.
type apiClient struct {
	base  string
	token string
	http  *http.Client
}

func newAPIClient() (*apiClient, error) {
	cfg := loadConfig()
	if cfg.Auth.JWTSecret == "" {
		return nil, fmt.Errorf("auth.jwt_secret is not set")
	}
	token, err := httpapi.IssueToken(cfg.Auth.JWTSecret, convAs, 5*time.Minute)
	if err != nil {
		return nil, fmt.Errorf("issue token: %w", err)
	}
	base := convNodeURL
	if base == "" {
		base = cfg.Node.URL
	}
	return &apiClient{
		base:  strings.TrimRight(base, "/"),
		token: token,
		http:  &http.Client{Timeout: 30 * time.Second},
	}, nil
}

func (c *apiClient) do(method, path string, in, out any) error {
	var body io.Reader
	if in != nil {
		data, err := json.Marshal(in)
		if err != nil {
			return err
		}
		body = bytes.NewReader(data)
	}
	req, err := http.NewRequest(method, c.base+path, body)
	if err != nil {
		return err
	}
	req.Header.Set("Authorization", "Bearer "+c.token)
	if in != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	resp, err := c.http.Do(req)
	if err != nil {
		return fmt.Errorf("%s %s: %w", method, path, err)
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return err
	}
	if resp.StatusCode >= 300 {
		var apiErr struct {
			Message string `json:"message"`
		}
		if json.Unmarshal(data, &apiErr) == nil && apiErr.Message != "" {
			return fmt.Errorf("%s (status %d)", apiErr.Message, resp.StatusCode)
		}
		return fmt.Errorf("%s %s: status %d", method, path, resp.StatusCode)
	}
	if out == nil {
		return nil
	}
	return json.Unmarshal(data, out)
}

func convPath(key, suffix string) string {
	return "/v1/conv/" + url.PathEscape(key) + "/" + suffix
}

var convListCmd = &cobra.Command{
	Use:   "list",
	Short: "List conversations",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		c, err := newAPIClient()
		if err != nil {
			return err
		}
		var items []struct {
			Key       string             `json:"key"`
			Updated   time.Time          `json:"updated"`
			Published bool               `json:"published"`
			Details   *types.ConvDetails `json:"details"`
		}
		if err := c.do(http.MethodGet, "/v1/conv/", nil, &items); err != nil {
			return err
		}
		if len(items) == 0 {
			fmt.Println("No conversations found.")
			return nil
		}

		w := tabwriter.NewWriter(os.Stdout, 0, 4, 2, ' ', 0)
		fmt.Fprintln(w, "KEY\tSTATE\tSUBJECT\tUPDATED")
		for _, it := range items {
			state := "draft"
			if it.Published {
				state = "published"
			}
			subject := ""
			if it.Details != nil {
				subject = it.Details.Subject
			}
			fmt.Fprintf(w, "%s\t%s\t%s\t%s\n", it.Key, state, subject, it.Updated.Format("2006-01-02 15:04:05"))
		}
		return w.Flush()
	},
}

var convCreateCmd = &cobra.Command{
	Use:   "create",
	Short: "Create a conversation",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		c, err := newAPIClient()
		if err != nil {
			return err
		}
		var out struct {
			Key string `json:"key"`
		}
		err = c.do(http.MethodPost, "/v1/conv/create/", map[string]any{
			"subject":      createSubject,
			"message":      createMessage,
			"participants": createTo,
			"publish":      createPublish,
		}, &out)
		if err != nil {
			return err
		}
		fmt.Println(out.Key)
		return nil
	},
}

var convActCmd = &cobra.Command{
	Use:   "act <key> <actions-json|->",
	Short: "Apply actions, given as a JSON list or on stdin with -",
	Args:  cobra.ExactArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		raw := []byte(args[1])
		if args[1] == "-" {
			var err error
			if raw, err = io.ReadAll(os.Stdin); err != nil {
				return err
			}
		}
		var actions []types.ActionInput
		if err := json.Unmarshal(raw, &actions); err != nil {
			return fmt.Errorf("parse actions: %w", err)
		}

		c, err := newAPIClient()
		if err != nil {
			return err
		}
		var out struct {
			ActionIDs []int64 `json:"action_ids"`
		}
		if err := c.do(http.MethodPost, convPath(args[0], "act/"), map[string]any{"actions": actions}, &out); err != nil {
			return err
		}
		fmt.Println("Applied actions", out.ActionIDs)
		return nil
	},
}

var convPublishCmd = &cobra.Command{
	Use:   "publish <key>",
	Short: "Publish a draft",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		c, err := newAPIClient()
		if err != nil {
			return err
		}
		var out struct {
			Key string `json:"key"`
		}
		if err := c.do(http.MethodPost, convPath(args[0], "publish/"), nil, &out); err != nil {
			return err
		}
		fmt.Println(out.Key)
		return nil
	},
}

var convShowCmd = &cobra.Command{
	Use:   "show <key>",
	Short: "Show a conversation",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		c, err := newAPIClient()
		if err != nil {
			return err
		}
		var out struct {
			Key       string          `json:"key"`
			Published bool            `json:"published"`
			View      *types.ConvView `json:"view"`
		}
		if err := c.do(http.MethodGet, convPath(args[0], ""), nil, &out); err != nil {
			return err
		}
		fmt.Printf("Key:       %s\nPublished: %v\n", out.Key, out.Published)
		if out.View == nil {
			return nil
		}
		fmt.Printf("Subject:   %s\nWith:      %s\n\n", out.View.Subject, strings.Join(out.View.Participants, ", "))
		printMessages(out.View.Messages, 0)
		return nil
	},
}

func printMessages(msgs []*types.MessageView, depth int) {
	indent := strings.Repeat("  ", depth)
	for _, m := range msgs {
		if !m.Deleted {
			fmt.Printf("%s#%d %s\n", indent, m.ID, m.Author)
			for _, line := range strings.Split(m.Body, "\n") {
				fmt.Printf("%s  %s\n", indent, line)
			}
			fmt.Println()
		}
		printMessages(m.Children, depth+1)
	}
}
