package cmd

import (
	"bufio"
	"fmt"
	"net"
	"strings"
	"time"

	"github.com/pkg/errors"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
)

var statsCmd = &cobra.Command{
	Use:   "stats",
	Short: "Print live connection statistics of a running server",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		reply, err := sendControl("stats")
		if err != nil {
			return err
		}
		fmt.Println(strings.ReplaceAll(reply, ",", "\n"))
		return nil
	},
}

var shutdownCmd = &cobra.Command{
	Use:   "shutdown",
	Short: "Notify every client and stop a running server",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		reason := viper.GetString("shutdownReason")
		var until string
		if d := viper.GetDuration("shutdownFor"); d > 0 {
			until = time.Now().Add(d).UTC().Format(time.RFC3339)
		}
		reply, err := sendControl("shutdown|" + reason + "|" + until)
		if err != nil {
			return err
		}
		fmt.Println(reply)
		return nil
	},
}

func init() {
	shutdownCmd.Flags().StringP("reason", "r", "maintenance",
		"Reason sent to connected clients")
	viper.BindPFlag("shutdownReason", shutdownCmd.Flags().Lookup("reason"))

	shutdownCmd.Flags().Duration("for", 0,
		"Expected downtime announced to clients")
	viper.BindPFlag("shutdownFor", shutdownCmd.Flags().Lookup("for"))

	rootCmd.AddCommand(statsCmd, shutdownCmd)
}

// sendControl writes one command to the control socket and returns the
// payload of an OK reply.
func sendControl(command string) (string, error) {
	path := viper.GetString("control_socket")
	conn, err := net.DialTimeout("unix", path, 5*time.Second)
	if err != nil {
		return "", errors.Wrapf(err, "server not reachable on %s", path)
	}
	defer conn.Close()
	conn.SetDeadline(time.Now().Add(10 * time.Second))

	if _, err := conn.Write([]byte(command + "\n")); err != nil {
		return "", errors.Wrap(err, "send command")
	}
	line, err := bufio.NewReader(conn).ReadString('\n')
	if err != nil {
		return "", errors.Wrap(err, "read reply")
	}
	status, payload, _ := strings.Cut(strings.TrimSpace(line), "|")
	if status != "OK" {
		return "", errors.New(payload)
	}
	return payload, nil
}
