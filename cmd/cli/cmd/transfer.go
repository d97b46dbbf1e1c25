package cmd

import (
	"context"
	"fmt"
	"os"
	"strings"
	"time"

	humanize "github.com/dustin/go-humanize"
	"github.com/spf13/cobra"

	"github.com/labhya/labhya/internal/filetransfer"
	"github.com/labhya/labhya/pkg/models"
)

var (
	transferKeyFile string
	transferTimeout time.Duration
)

var transferCmd = &cobra.Command{
	Use:   "transfer",
	Short: "Transfer files to/from active sessions",
	Long: `Transfer files to and from active sessions using SFTP.

The session's SSH password is used unless a private key is given.

Examples:
  # Upload a file to a session
  labhya transfer upload ./train.py 12:/workspace/train.py

  # Download a file from a session
  labhya transfer download 12:/workspace/model.bin ./model.bin -k ~/.ssh/id_ed25519`,
}

var uploadCmd = &cobra.Command{
	Use:   "upload <local-path> <session-id>:<remote-path>",
	Short: "Upload a file to a session",
	Args:  cobra.ExactArgs(2),
	RunE:  runUpload,
}

var downloadCmd = &cobra.Command{
	Use:   "download <session-id>:<remote-path> <local-path>",
	Short: "Download a file from a session",
	Args:  cobra.ExactArgs(2),
	RunE:  runDownload,
}

var lsCmd = &cobra.Command{
	Use:   "ls <session-id>:<remote-dir>",
	Short: "List a remote directory",
	Args:  cobra.ExactArgs(1),
	RunE:  runRemoteList,
}

func init() {
	rootCmd.AddCommand(transferCmd)
	transferCmd.AddCommand(uploadCmd)
	transferCmd.AddCommand(downloadCmd)
	transferCmd.AddCommand(lsCmd)

	transferCmd.PersistentFlags().StringVarP(&transferKeyFile, "key", "k", "", "SSH private key file (default: session password)")
	transferCmd.PersistentFlags().DurationVarP(&transferTimeout, "timeout", "t", 5*time.Minute, "Transfer timeout")
}

// parseSessionPath parses a string like "12:/path/to/file" into session ID and path
func parseSessionPath(s string) (sessionID, path string, err error) {
	sessionID, path, ok := strings.Cut(s, ":")
	if !ok {
		return "", "", fmt.Errorf("invalid format, expected <session-id>:<path>, got %q", s)
	}
	sessionID = strings.TrimSpace(sessionID)
	path = strings.TrimSpace(path)
	if sessionID == "" {
		return "", "", fmt.Errorf("session ID cannot be empty")
	}
	if path == "" {
		return "", "", fmt.Errorf("path cannot be empty")
	}
	return sessionID, path, nil
}

// openTransfer resolves the session's SSH endpoint and builds a transfer
// client for it
func openTransfer(ctx context.Context, a *app, sessionID string) (*filetransfer.Transfer, filetransfer.Credentials, error) {
	creds, err := sessionCredentials(ctx, a, sessionID, transferKeyFile)
	if err != nil {
		return nil, filetransfer.Credentials{}, err
	}
	return filetransfer.New(creds, filetransfer.WithConnectTimeout(30*time.Second)), creds, nil
}

// sessionCredentials resolves SSH credentials for an ACTIVE session,
// authenticating with keyFile when one is given
func sessionCredentials(ctx context.Context, a *app, sessionID, keyFile string) (filetransfer.Credentials, error) {
	s, err := a.client.GetSession(ctx, sessionID)
	if err != nil {
		return filetransfer.Credentials{}, fmt.Errorf("failed to get session: %w", err)
	}
	if s.IsActive() && !s.HasConnection() {
		// The session record can lag the connection endpoint
		if info, err := a.client.ConnectionInfo(ctx, sessionID); err == nil {
			mergeConnection(s, info)
		}
	}

	if keyFile == "" {
		return filetransfer.FromSession(s)
	}
	key, err := os.ReadFile(keyFile)
	if err != nil {
		return filetransfer.Credentials{}, fmt.Errorf("failed to read private key file: %w", err)
	}
	return filetransfer.FromSessionKey(s, key)
}

func mergeConnection(s *models.Session, info *models.ConnectionInfo) {
	if s.SSHHost == "" {
		s.SSHHost = info.SSHHost
	}
	if s.SSHPort == 0 {
		s.SSHPort = info.SSHPort
	}
	if s.SSHUsername == "" {
		s.SSHUsername = info.SSHUsername
	}
	if s.SSHConnectionString == "" {
		s.SSHConnectionString = info.SSHConnectionString
	}
}

func runUpload(cmd *cobra.Command, args []string) error {
	localPath := args[0]

	sessionID, remotePath, err := parseSessionPath(args[1])
	if err != nil {
		return fmt.Errorf("invalid destination: %w", err)
	}
	if _, err := os.Stat(localPath); os.IsNotExist(err) {
		return fmt.Errorf("local file does not exist: %s", localPath)
	}

	return withApp(cmd, true, func(ctx context.Context, a *app) error {
		transfer, creds, err := openTransfer(ctx, a, sessionID)
		if err != nil {
			return err
		}

		ctx, cancel := context.WithTimeout(ctx, transferTimeout)
		defer cancel()

		fmt.Fprintf(stdout, "Uploading %s to %s@%s:%d:%s...\n",
			localPath, creds.User, creds.Host, creds.Port, remotePath)

		n, err := transfer.Upload(ctx, localPath, remotePath)
		if err != nil {
			return fmt.Errorf("upload failed: %w", err)
		}

		fmt.Fprintf(stdout, "Upload complete (%s).\n", humanize.Bytes(uint64(n)))
		return nil
	})
}

func runDownload(cmd *cobra.Command, args []string) error {
	localPath := args[1]

	sessionID, remotePath, err := parseSessionPath(args[0])
	if err != nil {
		return fmt.Errorf("invalid source: %w", err)
	}

	return withApp(cmd, true, func(ctx context.Context, a *app) error {
		transfer, creds, err := openTransfer(ctx, a, sessionID)
		if err != nil {
			return err
		}

		ctx, cancel := context.WithTimeout(ctx, transferTimeout)
		defer cancel()

		fmt.Fprintf(stdout, "Downloading %s@%s:%d:%s to %s...\n",
			creds.User, creds.Host, creds.Port, remotePath, localPath)

		n, err := transfer.Download(ctx, remotePath, localPath)
		if err != nil {
			return fmt.Errorf("download failed: %w", err)
		}

		fmt.Fprintf(stdout, "Download complete (%s).\n", humanize.Bytes(uint64(n)))
		return nil
	})
}

func runRemoteList(cmd *cobra.Command, args []string) error {
	sessionID, remotePath, err := parseSessionPath(args[0])
	if err != nil {
		return fmt.Errorf("invalid path: %w", err)
	}

	return withApp(cmd, true, func(ctx context.Context, a *app) error {
		transfer, _, err := openTransfer(ctx, a, sessionID)
		if err != nil {
			return err
		}

		ctx, cancel := context.WithTimeout(ctx, transferTimeout)
		defer cancel()

		entries, err := transfer.ListRemoteDir(ctx, remotePath)
		if err != nil {
			return fmt.Errorf("list failed: %w", err)
		}

		w := newTable()
		fmt.Fprintln(w, "NAME\tSIZE\tMODIFIED")
		for _, e := range entries {
			name := e.Name()
			if e.IsDir() {
				name += "/"
			}
			fmt.Fprintf(w, "%s\t%s\t%s\n", name, humanize.Bytes(uint64(e.Size())), humanize.Time(e.ModTime()))
		}
		return w.Flush()
	})
}
