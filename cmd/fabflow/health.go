package main

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"strings"
	"time"

	cli "github.com/urfave/cli/v3"

	"github.com/BaSui01/fabflow/internal/server"
	"github.com/BaSui01/fabflow/internal/tlsutil"
)

// =============================================================================
// 🏥 健康检查命令
// =============================================================================

func newHealthCommand() *cli.Command {
	return &cli.Command{
		Name:  "health",
		Usage: "Query the /healthz endpoint of a running fabflow",
		Flags: []cli.Flag{
			&cli.StringFlag{
				Name:  "addr",
				Usage: "Ops server address",
				Value: "http://localhost:9091",
			},
			&cli.DurationFlag{
				Name:  "timeout",
				Usage: "Request timeout",
				Value: 5 * time.Second,
			},
		},
		Action: func(ctx context.Context, cmd *cli.Command) error {
			url := strings.TrimSuffix(cmd.String("addr"), "/") + "/healthz"
			req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
			if err != nil {
				return err
			}
			resp, err := tlsutil.SecureHTTPClient(cmd.Duration("timeout")).Do(req)
			if err != nil {
				return fmt.Errorf("health check failed: %w", err)
			}
			defer resp.Body.Close()

			var body server.HealthResponse
			_ = json.NewDecoder(resp.Body).Decode(&body)
			if resp.StatusCode != http.StatusOK {
				return fmt.Errorf("health check failed: status %d %v", resp.StatusCode, body.Checks)
			}
			fmt.Fprintln(stdout(cmd), "OK")
			return nil
		},
	}
}
