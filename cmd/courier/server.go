package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"text/tabwriter"

	"github.com/spf13/cobra"

	"github.com/foxzi/courier/internal/queue"
	"github.com/foxzi/courier/internal/relay"
)

var newServer relay.Server

var serverCmd = &cobra.Command{
	Use:   "server",
	Short: "Relay server management commands",
}

var serverAddCmd = &cobra.Command{
	Use:   "add",
	Short: "Add a relay server",
	RunE:  runServerAdd,
}

var serverListCmd = &cobra.Command{
	Use:   "list",
	Short: "List relay servers",
	RunE:  runServerList,
}

var serverRemoveCmd = &cobra.Command{
	Use:   "remove <server_id>",
	Short: "Remove a relay server",
	Args:  cobra.ExactArgs(1),
	RunE:  runServerRemove,
}

func init() {
	serverAddCmd.Flags().StringVar(&newServer.Hostname, "host", "", "Relay hostname (required)")
	serverAddCmd.Flags().IntVar(&newServer.Port, "port", 587, "Relay port")
	serverAddCmd.Flags().StringVar(&newServer.Username, "username", "", "AUTH PLAIN username")
	serverAddCmd.Flags().StringVar(&newServer.Password, "password", "", "AUTH PLAIN password")
	serverAddCmd.Flags().StringVar((*string)(&newServer.TLS), "tls", string(relay.TLSStartTLS), "TLS mode (none, starttls, tls)")
	serverAddCmd.MarkFlagRequired("host")

	serverCmd.AddCommand(serverAddCmd, serverListCmd, serverRemoveCmd)
	rootCmd.AddCommand(serverCmd)
}

func runServerAdd(cmd *cobra.Command, args []string) error {
	srv := newServer
	if !srv.TLS.Valid() {
		return fmt.Errorf("unknown TLS mode: %s", srv.TLS)
	}
	if srv.Port < 1 || srv.Port > 65535 {
		return fmt.Errorf("invalid port: %d", srv.Port)
	}

	storage, err := openStorage()
	if err != nil {
		return err
	}
	defer storage.Close()

	if err := storage.AddServer(context.Background(), &srv); err != nil {
		return fmt.Errorf("failed to add server: %w", err)
	}

	fmt.Printf("Relay server %s added (%s)\n", srv.Addr(), srv.ID)
	return nil
}

func runServerList(cmd *cobra.Command, args []string) error {
	storage, err := openStorage()
	if err != nil {
		return err
	}
	defer storage.Close()

	servers, err := storage.ListServers(context.Background())
	if err != nil {
		return fmt.Errorf("failed to list servers: %w", err)
	}

	if len(servers) == 0 {
		fmt.Println("No relay servers configured")
		return nil
	}

	w := tabwriter.NewWriter(os.Stdout, 0, 0, 2, ' ', 0)
	fmt.Fprintln(w, "ID\tADDRESS\tTLS\tUSERNAME")
	fmt.Fprintln(w, "--\t-------\t---\t--------")
	for _, srv := range servers {
		username := srv.Username
		if username == "" {
			username = "-"
		}
		fmt.Fprintf(w, "%s\t%s\t%s\t%s\n", srv.ID, srv.Addr(), srv.TLS, username)
	}
	w.Flush()

	return nil
}

func runServerRemove(cmd *cobra.Command, args []string) error {
	storage, err := openStorage()
	if err != nil {
		return err
	}
	defer storage.Close()

	id := args[0]
	if err := storage.DeleteServer(context.Background(), id); err != nil {
		if errors.Is(err, queue.ErrNotFound) {
			return fmt.Errorf("server not found: %s", id)
		}
		return fmt.Errorf("failed to remove server: %w", err)
	}

	fmt.Printf("Relay server %s removed\n", id)
	return nil
}
