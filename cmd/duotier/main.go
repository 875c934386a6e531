package main

import (
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/spf13/cobra"
	"github.com/spf13/pflag"
	"github.com/spf13/viper"

	"github.com/brindlefs/duotier/pkg/cachetier"
	"github.com/brindlefs/duotier/pkg/clustermap"
	"github.com/brindlefs/duotier/pkg/localdisk"
)

type app struct {
	provider *cachetier.Provider
	owns     io.Closer
	cleanup  func()
}

func (a *app) ensureProvider() error {
	if a.provider != nil {
		return nil
	}

	localRoot := viper.GetString("local_root")
	if localRoot == "" {
		localRoot = filepath.Join(".", ".duotier", "local")
	}
	local, err := localdisk.NewOSBacked(localRoot)
	if err != nil {
		return fmt.Errorf("init local tier: %w", err)
	}

	var owns cachetier.OwnershipMap
	if dbPath := viper.GetString("ownership_db"); dbPath != "" {
		bolt, err := clustermap.NewBoltMap(clustermap.BoltConfig{
			Path:    dbPath,
			Timeout: viper.GetDuration("ownership_db_timeout"),
		}, viper.GetInt("ownership_cache_size"), viper.GetDuration("ownership_ttl"))
		if err != nil {
			return fmt.Errorf("init ownership map: %w", err)
		}
		owns, a.owns = bolt, bolt
	} else {
		mem := clustermap.New(viper.GetInt("ownership_cache_size"), viper.GetDuration("ownership_ttl"))
		owns, a.owns = mem, mem
	}

	cfg := cachetier.Config{
		SharedRoot:         viper.GetString("shared_root"),
		NodeIP:             viper.GetString("node_ip"),
		LockTimeout:        viper.GetDuration("lock_timeout"),
		ForeignLockPoll:    viper.GetDuration("lock_poll"),
		ExpirationCapacity: viper.GetInt("expire_capacity"),
		ExpirationTTL:      viper.GetDuration("expire_ttl"),
		Logf:               func(format string, args ...any) { fmt.Fprintf(os.Stderr, format+"\n", args...) },
	}

	provider, err := cachetier.NewProvider(cfg, local, owns, nil)
	if err != nil {
		return fmt.Errorf("init provider: %w", err)
	}
	a.provider = provider
	a.cleanup = func() {
		provider.Close()
		if a.owns != nil {
			a.owns.Close()
		}
	}
	return nil
}

func (a *app) close() {
	if a.cleanup != nil {
		a.cleanup()
	}
}

var (
	cfgFile     string
	application = &app{}
	rootCmd     = &cobra.Command{
		Use:           "duotier",
		Short:         "Two-tier artifact cache CLI",
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			return application.ensureProvider()
		},
	}
)

func init() {
	cobra.OnInitialize(initConfig)
	initRootFlags()
	initCommands()
}

func main() {
	defer application.close()
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func initConfig() {
	if cfgFile != "" {
		viper.SetConfigFile(cfgFile)
	} else {
		viper.SetConfigName("duotier")
		viper.AddConfigPath(".")
		if home, err := os.UserHomeDir(); err == nil {
			viper.AddConfigPath(filepath.Join(home, ".config", "duotier"))
		}
	}
	viper.SetEnvPrefix("DUOTIER")
	viper.SetEnvKeyReplacer(strings.NewReplacer(".", "_", "-", "_"))
	viper.AutomaticEnv()
	if err := viper.ReadInConfig(); err != nil {
		var nf viper.ConfigFileNotFoundError
		if !errors.As(err, &nf) {
			fmt.Fprintf(os.Stderr, "read config: %v\n", err)
		}
	}
}

func bindConfig(key string, flag *pflag.Flag) {
	if err := viper.BindPFlag(key, flag); err != nil {
		panic(err)
	}
}

func initRootFlags() {
	rootCmd.PersistentFlags().StringVar(&cfgFile, "config", "", "config file (TOML or YAML)")

	rootCmd.PersistentFlags().String("shared-root", "", "shared-tier mount root (falls back to "+cachetier.SharedRootEnvVar+")")
	rootCmd.PersistentFlags().String("local-root", "", "local-tier cache directory (default .duotier/local)")
	rootCmd.PersistentFlags().String("node-ip", "", "this node's advertised IP (default: detected)")
	rootCmd.PersistentFlags().String("ownership-db", "", "bbolt file for the ownership map (default: in-memory, not durable)")
	rootCmd.PersistentFlags().Duration("ownership-db-timeout", time.Second, "bbolt file lock acquisition timeout")
	rootCmd.PersistentFlags().Int("ownership-cache-size", 4096, "entries kept in the ownership map's in-memory record cache")
	rootCmd.PersistentFlags().Duration("ownership-ttl", 0, "ownership record TTL (0 disables expiry)")
	rootCmd.PersistentFlags().Duration("lock-timeout", cachetier.DefaultLockTimeout, "per-resource lock acquisition timeout")
	rootCmd.PersistentFlags().Duration("lock-poll", cachetier.DefaultForeignLockPollInterval, "foreign-lock poll interval")
	rootCmd.PersistentFlags().Int("expire-capacity", 4096, "entries kept in the local-expiration listener's cache")
	rootCmd.PersistentFlags().Duration("expire-ttl", 0, "local-expiration listener TTL (0 disables expiry)")

	bindConfig("shared_root", rootCmd.PersistentFlags().Lookup("shared-root"))
	bindConfig("local_root", rootCmd.PersistentFlags().Lookup("local-root"))
	bindConfig("node_ip", rootCmd.PersistentFlags().Lookup("node-ip"))
	bindConfig("ownership_db", rootCmd.PersistentFlags().Lookup("ownership-db"))
	bindConfig("ownership_db_timeout", rootCmd.PersistentFlags().Lookup("ownership-db-timeout"))
	bindConfig("ownership_cache_size", rootCmd.PersistentFlags().Lookup("ownership-cache-size"))
	bindConfig("ownership_ttl", rootCmd.PersistentFlags().Lookup("ownership-ttl"))
	bindConfig("lock_timeout", rootCmd.PersistentFlags().Lookup("lock-timeout"))
	bindConfig("lock_poll", rootCmd.PersistentFlags().Lookup("lock-poll"))
	bindConfig("expire_capacity", rootCmd.PersistentFlags().Lookup("expire-capacity"))
	bindConfig("expire_ttl", rootCmd.PersistentFlags().Lookup("expire-ttl"))
}

func initCommands() {
	rootCmd.AddCommand(
		newGetCmd(),
		newPutCmd(),
		newRmCmd(),
		newCpCmd(),
		newStatCmd(),
		newLocksCmd(),
		newLsCmd(),
	)
}

func parseResource(location, path string) cachetier.Resource {
	return cachetier.Resource{Location: location, Path: path}
}

func newGetCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "get <location> <path>",
		Short: "Print a resource's content to stdout",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			r := parseResource(args[0], args[1])
			rc, err := application.provider.OpenInput(cmd.Context(), r)
			if err != nil {
				return err
			}
			defer rc.Close()
			_, err = io.Copy(os.Stdout, rc)
			return err
		},
	}
}

func newPutCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "put <location> <path>",
		Short: "Write stdin to a resource",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			r := parseResource(args[0], args[1])
			w, err := application.provider.OpenOutput(cmd.Context(), r)
			if err != nil {
				return err
			}
			if _, err := io.Copy(w, os.Stdin); err != nil {
				w.Close()
				return err
			}
			return w.Close()
		},
	}
}

func newRmCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "rm <location> <path>",
		Short: "Delete a resource from both tiers",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			r := parseResource(args[0], args[1])
			deleted, err := application.provider.Delete(cmd.Context(), r)
			if err != nil {
				return err
			}
			if !deleted {
				fmt.Fprintln(os.Stderr, "nothing to delete")
			}
			return nil
		},
	}
}

func newCpCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "cp <from-location> <from-path> <to-location> <to-path>",
		Short: "Copy a resource within the cache",
		Args:  cobra.ExactArgs(4),
		RunE: func(cmd *cobra.Command, args []string) error {
			from := parseResource(args[0], args[1])
			to := parseResource(args[2], args[3])
			return application.provider.Copy(cmd.Context(), from, to)
		},
	}
}

func newStatCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "stat <location> <path>",
		Short: "Print a resource's size and modification time",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			r := parseResource(args[0], args[1])
			ctx := cmd.Context()
			if !application.provider.Exists(ctx, r) {
				return fmt.Errorf("%s/%s: not found", r.Location, r.Path)
			}
			fmt.Printf("size\t%d\n", application.provider.Length(ctx, r))
			fmt.Printf("modified\t%s\n", application.provider.LastModified(ctx, r).Format(time.RFC3339))
			return nil
		},
	}
}

func newLsCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "ls <location> <path>",
		Short: "List a resource's shared-tier directory",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			r := parseResource(args[0], args[1])
			names, err := application.provider.List(cmd.Context(), r)
			if err != nil {
				return err
			}
			for _, name := range names {
				fmt.Println(name)
			}
			return nil
		},
	}
}

func newLocksCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "locks <location> <path>",
		Short: "Print a resource's read/write lock state (local tier or ownership map)",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			r := parseResource(args[0], args[1])
			ctx := cmd.Context()
			readLocked, err := application.provider.IsReadLocked(ctx, r)
			if err != nil {
				return err
			}
			writeLocked, err := application.provider.IsWriteLocked(ctx, r)
			if err != nil {
				return err
			}
			fmt.Printf("read-locked\t%v\n", readLocked)
			fmt.Printf("write-locked\t%v\n", writeLocked)
			return nil
		},
	}
}
