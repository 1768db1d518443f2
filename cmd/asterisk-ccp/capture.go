package main

import (
	"bufio"
	"context"
	"fmt"
	"io"
	"net"
	"os"
	"os/signal"
	"path/filepath"
	"regexp"
	"strings"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/sweeney/asterisk-ccp/internal/ami"
	"github.com/sweeney/asterisk-ccp/internal/config"
)

var captureOutDir string

var captureCmd = &cobra.Command{
	Use:   "capture",
	Short: "Record the raw AMI stream to a file for replay",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, _ []string) error {
		cfg, err := config.Load(configPath)
		if err != nil {
			return fmt.Errorf("loading config: %w", err)
		}
		ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
		defer stop()

		path, err := capture(ctx, cfg.AMI, captureOutDir, cmd.ErrOrStderr())
		if path != "" {
			fmt.Fprintln(cmd.OutOrStdout(), path)
		}
		return err
	},
}

var sanitizeCmd = &cobra.Command{
	Use:   "sanitize <capture.raw>",
	Short: "Redact secrets, addresses and phone numbers in a capture (keeps .bak)",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		if err := sanitizeFile(args[0]); err != nil {
			return err
		}
		fmt.Fprintln(cmd.OutOrStdout(), "sanitized:", args[0])
		return nil
	},
}

func init() {
	captureCmd.Flags().StringVar(&configPath, "config", "/etc/asterisk-ccp/asterisk-ccp.yaml", "Path to config file")
	captureCmd.Flags().StringVar(&captureOutDir, "outdir", "testdata/captures", "Output directory for captures")
}

// capture streams every AMI line to a timestamped file until ctx ends or
// the connection drops. It returns the file written.
func capture(ctx context.Context, cfg config.AMIConfig, outDir string, status io.Writer) (string, error) {
	addr := cfg.Addr()
	fmt.Fprintf(status, "connecting to %s...\n", addr)

	d := net.Dialer{Timeout: cfg.DialTimeout}
	conn, err := d.DialContext(ctx, "tcp", addr)
	if err != nil {
		return "", fmt.Errorf("dial: %w", err)
	}
	defer conn.Close()
	stop := context.AfterFunc(ctx, func() { conn.Close() })
	defer stop()

	if err := os.MkdirAll(outDir, 0o755); err != nil {
		return "", fmt.Errorf("mkdir: %w", err)
	}

	filename := filepath.Join(outDir, time.Now().Format("20060102-150405")+".raw")
	f, err := os.Create(filename)
	if err != nil {
		return "", fmt.Errorf("create: %w", err)
	}
	defer f.Close()

	reader := bufio.NewReader(conn)
	banner, err := reader.ReadString('\n')
	if err != nil {
		return filename, fmt.Errorf("reading banner: %w", err)
	}
	f.WriteString(banner)

	login := ami.NewAction("Login", "Username", cfg.Username, "Secret", cfg.Secret, "Events", "on")
	if _, err := conn.Write(login.Encode("")); err != nil {
		return filename, fmt.Errorf("sending login: %w", err)
	}

	fmt.Fprintf(status, "writing to %s (ctrl+c to stop)\n", filename)
	scanner := bufio.NewScanner(reader)
	for scanner.Scan() {
		f.WriteString(scanner.Text() + "\n")
	}
	if ctx.Err() != nil {
		return filename, nil
	}
	return filename, scanner.Err()
}

var (
	ipPattern       = regexp.MustCompile(`\b\d{1,3}\.\d{1,3}\.\d{1,3}\.\d{1,3}\b`)
	phonePattern    = regexp.MustCompile(`\b(?:0\d{10}|1?\d{10})\b`)
	secretPattern   = regexp.MustCompile(`(?i)(Secret:\s*).+`)
	passwordPattern = regexp.MustCompile(`(?i)(Password:\s*).+`)
	namePattern     = regexp.MustCompile(`^((?:CallerIDName|ConnectedLineName|DestCallerIDName):\s*)(.+)$`)
	attributeValue  = regexp.MustCompile(`^(Value:\s*).+`)
)

// sanitizeFile redacts a capture in place. Customer names and the values of
// dialplan attribute variables are replaced too; Linkedids are left intact
// so the capture still replays.
func sanitizeFile(path string) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return err
	}

	bakPath := path + ".bak"
	if err := os.WriteFile(bakPath, data, 0o644); err != nil {
		return fmt.Errorf("creating backup: %w", err)
	}

	lines := strings.Split(string(data), "\n")
	attrFollows := false
	for i, line := range lines {
		line = secretPattern.ReplaceAllString(line, "${1}REDACTED")
		line = passwordPattern.ReplaceAllString(line, "${1}REDACTED")

		line = ipPattern.ReplaceAllStringFunc(line, func(ip string) string {
			if ip == "127.0.0.1" {
				return ip
			}
			return "10.0.0.1"
		})

		if strings.Contains(line, "CallerID") || strings.Contains(line, "ConnectedLine") || strings.HasPrefix(line, "Exten:") {
			line = phonePattern.ReplaceAllString(line, "07700900000")
		}
		if m := namePattern.FindStringSubmatch(line); m != nil && m[2] != "<unknown>" {
			line = m[1] + "Customer"
		}

		if attrFollows {
			line = attributeValue.ReplaceAllString(line, "${1}REDACTED")
		}
		attrFollows = strings.HasPrefix(line, "Variable: CCP_")

		lines[i] = line
	}

	return os.WriteFile(path, []byte(strings.Join(lines, "\n")), 0o644)
}
