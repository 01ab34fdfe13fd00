package serve

import (
	"fmt"
	"os"
	"os/signal"
	"syscall"

	cmdUtil "github.com/ValentinKolb/rKV/cmd/util"
	"github.com/ValentinKolb/rKV/driver"
	"github.com/ValentinKolb/rKV/rpc/common"
	"github.com/ValentinKolb/rKV/rpc/manager"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
)

var (
	// ServeCmd starts the rKV memory server
	ServeCmd = &cobra.Command{
		Use:   "serve",
		Short: "Start the rKV memory server",
		Long: `Start the rKV memory server with the specified configuration. The
configuration can be set via command line flags or environment variables.
The format of the environment variables is RKV_<flag> (e.g. RKV_LISTEN=0.0.0.0:12345)`,
		RunE: run,
	}
)

func init() {
	// initialize viper
	cobra.OnInitialize(cmdUtil.InitConfig)

	// add flags
	key := "listen"
	ServeCmd.PersistentFlags().String(key, "0.0.0.0:12345", cmdUtil.WrapString("The host:port address the server will listen on"))

	key = "log-level"
	ServeCmd.PersistentFlags().String(key, "info", cmdUtil.WrapString("LogLevel is the level at which logs will be output (debug, info, warn, error)"))
}

// run starts the rKV server and blocks until interrupted
func run(cmd *cobra.Command, _ []string) error {
	if err := cmdUtil.BindCommandFlags(cmd); err != nil {
		return err
	}

	common.InitLoggers(viper.GetString("log-level"))

	d, err := driver.Open(driver.Spec{ListenAddr: viper.GetString("listen")})
	if err != nil {
		return fmt.Errorf("failed to start server: %w", err)
	}

	fmt.Printf("rKV server listening on %s\n", viper.GetString("listen"))

	// Serve until interrupted
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	<-sigCh

	fmt.Println("shutting down...")
	if n, err := d.Size(); err == nil {
		fmt.Printf("server held %d keys\n", n)
	}
	manager.Instance().Shutdown()
	return nil
}
