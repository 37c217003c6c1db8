// Command cortex is the CLI client for the Cortex storage daemon: a thin
// cobra front-end over internal/rpc.Client, one subcommand per typed
// Client wrapper. The identity_*, mesh_* and sync_* wire methods have no
// subcommand.
package main

import (
	"encoding/json"
	"fmt"
	"os"
	"strings"

	"github.com/spf13/cobra"

	"github.com/cortexlabs/cortex/internal/config"
	"github.com/cortexlabs/cortex/internal/rpc"
)

var socketPath string

var rootCmd = &cobra.Command{
	Use:   "cortex",
	Short: "Cortex storage daemon client",
}

func main() {
	rootCmd.PersistentFlags().StringVar(&socketPath, "socket", "", "daemon socket path (defaults to the configured one)")
	rootCmd.AddCommand(
		pingCmd, statusCmd, tablesCmd, createTableCmd, dropTableCmd,
		putCmd, getCmd, deleteCmd, allCmd, keysCmd, matchCmd,
		aclGrantCmd, aclRevokeCmd, aclListCmd, setScopeCmd, getScopeCmd, tableInfoCmd,
	)
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, "cortex:", err)
		os.Exit(1)
	}
}

func client() (*rpc.Client, error) {
	path := socketPath
	if path == "" {
		_ = config.Initialize()
		path = config.SocketPath()
	}
	c, err := rpc.TryConnect(path)
	if err != nil {
		return nil, fmt.Errorf("connect to %s: %w", path, err)
	}
	if c == nil {
		return nil, fmt.Errorf("no daemon listening on %s", path)
	}
	return c, nil
}

func printJSON(v interface{}) error {
	b, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return err
	}
	fmt.Println(string(b))
	return nil
}

var pingCmd = &cobra.Command{
	Use:   "ping",
	Short: "Check that the daemon is alive",
	RunE: func(cmd *cobra.Command, args []string) error {
		c, err := client()
		if err != nil {
			return err
		}
		defer c.Close()
		if err := c.Ping(); err != nil {
			return err
		}
		fmt.Println("pong")
		return nil
	},
}

var statusCmd = &cobra.Command{
	Use:   "status",
	Short: "Show daemon status",
	RunE: func(cmd *cobra.Command, args []string) error {
		c, err := client()
		if err != nil {
			return err
		}
		defer c.Close()
		st, err := c.Status()
		if err != nil {
			return err
		}
		return printJSON(st)
	},
}

var tablesCmd = &cobra.Command{
	Use:   "tables",
	Short: "List visible tables",
	RunE: func(cmd *cobra.Command, args []string) error {
		c, err := client()
		if err != nil {
			return err
		}
		defer c.Close()
		names, err := c.Tables()
		if err != nil {
			return err
		}
		for _, n := range names {
			fmt.Println(n)
		}
		return nil
	},
}

var createTableScope string

var createTableCmd = &cobra.Command{
	Use:   "create-table <name> <attr,...>",
	Short: "Create a table",
	Args:  cobra.ExactArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		c, err := client()
		if err != nil {
			return err
		}
		defer c.Close()
		attrs := strings.Split(args[1], ",")
		if err := c.CreateTable(args[0], attrs, createTableScope); err != nil {
			return err
		}
		fmt.Println("created")
		return nil
	},
}

var dropTableCmd = &cobra.Command{
	Use:   "drop-table <name>",
	Short: "Drop a table",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		c, err := client()
		if err != nil {
			return err
		}
		defer c.Close()
		if err := c.DropTable(args[0]); err != nil {
			return err
		}
		fmt.Println("dropped")
		return nil
	},
}

var putCmd = &cobra.Command{
	Use:   "put <table> <json-record>",
	Short: "Upsert a record",
	Args:  cobra.ExactArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		var rec map[string]interface{}
		if err := json.Unmarshal([]byte(args[1]), &rec); err != nil {
			return fmt.Errorf("parse record json: %w", err)
		}
		c, err := client()
		if err != nil {
			return err
		}
		defer c.Close()
		if err := c.Put(args[0], rec); err != nil {
			return err
		}
		fmt.Println("ok")
		return nil
	},
}

var getCmd = &cobra.Command{
	Use:   "get <table> <key>",
	Short: "Fetch a record by key",
	Args:  cobra.ExactArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		c, err := client()
		if err != nil {
			return err
		}
		defer c.Close()
		rec, err := c.Get(args[0], args[1])
		if err != nil {
			return err
		}
		return printJSON(rec)
	},
}

var deleteCmd = &cobra.Command{
	Use:   "delete <table> <key>",
	Short: "Delete a record by key",
	Args:  cobra.ExactArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		c, err := client()
		if err != nil {
			return err
		}
		defer c.Close()
		if err := c.Delete(args[0], args[1]); err != nil {
			return err
		}
		fmt.Println("ok")
		return nil
	},
}

var allCmd = &cobra.Command{
	Use:   "all <table>",
	Short: "Fetch every record in a table",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		c, err := client()
		if err != nil {
			return err
		}
		defer c.Close()
		recs, err := c.All(args[0])
		if err != nil {
			return err
		}
		return printJSON(recs)
	},
}

var keysCmd = &cobra.Command{
	Use:   "keys <table>",
	Short: "List every key in a table",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		c, err := client()
		if err != nil {
			return err
		}
		defer c.Close()
		keys, err := c.Keys(args[0])
		if err != nil {
			return err
		}
		for _, k := range keys {
			fmt.Println(k)
		}
		return nil
	},
}

var matchCmd = &cobra.Command{
	Use:   "match <table> <json-pattern>",
	Short: "Fetch every record matching a pattern",
	Args:  cobra.ExactArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		var pattern map[string]interface{}
		if err := json.Unmarshal([]byte(args[1]), &pattern); err != nil {
			return fmt.Errorf("parse pattern json: %w", err)
		}
		c, err := client()
		if err != nil {
			return err
		}
		defer c.Close()
		recs, err := c.Match(args[0], pattern)
		if err != nil {
			return err
		}
		return printJSON(recs)
	},
}

var aclGrantCmd = &cobra.Command{
	Use:   "acl-grant <identity> <table> <perm,...>",
	Short: "Grant permissions to an identity on a table",
	Args:  cobra.ExactArgs(3),
	RunE: func(cmd *cobra.Command, args []string) error {
		c, err := client()
		if err != nil {
			return err
		}
		defer c.Close()
		if err := c.ACLGrant(args[0], args[1], args[2]); err != nil {
			return err
		}
		fmt.Println("granted")
		return nil
	},
}

var aclRevokeCmd = &cobra.Command{
	Use:   "acl-revoke <identity> <table> <perm,...>",
	Short: "Revoke permissions from an identity on a table",
	Args:  cobra.ExactArgs(3),
	RunE: func(cmd *cobra.Command, args []string) error {
		c, err := client()
		if err != nil {
			return err
		}
		defer c.Close()
		if err := c.ACLRevoke(args[0], args[1], args[2]); err != nil {
			return err
		}
		fmt.Println("revoked")
		return nil
	},
}

var aclListCmd = &cobra.Command{
	Use:   "acl-list",
	Short: "List every ACL entry in the catalog (node operator only)",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		c, err := client()
		if err != nil {
			return err
		}
		defer c.Close()
		entries, err := c.ACLList()
		if err != nil {
			return err
		}
		return printJSON(entries)
	},
}

var setScopeCmd = &cobra.Command{
	Use:   "set-scope <table> <scope>",
	Short: "Set a table's replication scope",
	Args:  cobra.ExactArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		c, err := client()
		if err != nil {
			return err
		}
		defer c.Close()
		if err := c.SetScope(args[0], args[1]); err != nil {
			return err
		}
		fmt.Println("ok")
		return nil
	},
}

var getScopeCmd = &cobra.Command{
	Use:   "get-scope <table>",
	Short: "Read a table's replication scope",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		c, err := client()
		if err != nil {
			return err
		}
		defer c.Close()
		scope, err := c.GetScope(args[0])
		if err != nil {
			return err
		}
		fmt.Println(scope)
		return nil
	},
}

var tableInfoCmd = &cobra.Command{
	Use:   "table-info <table>",
	Short: "Show a table's catalog entry",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		c, err := client()
		if err != nil {
			return err
		}
		defer c.Close()
		info, err := c.TableInfo(args[0])
		if err != nil {
			return err
		}
		return printJSON(info)
	},
}

func init() {
	createTableCmd.Flags().StringVar(&createTableScope, "scope", "", "node scope: local, all, or a comma-separated node list")
}
