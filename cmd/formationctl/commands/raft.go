package commands

import (
	"errors"
	"net/http"
	"os"
	"time"

	"github.com/spf13/cobra"

	"github.com/civita/formation/internal/infrastructure/raftlog"
)

var raftCmd = &cobra.Command{
	Use:   "raft",
	Short: "Manage the replicated timer log",
}

var addVoterCmd = &cobra.Command{
	Use:   "add-voter <node-id> <raft-addr>",
	Short: "Add a replica to the raft cluster through the leader's admin API",
	Long: `add-voter posts to the leader's /v1/admin/raft/voters route. The new
replica must run with TIMER_STORE=raft and RAFT_BOOTSTRAP=false. Replicas
started with RAFT_JOIN join on their own.`,
	Args: cobra.ExactArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		server, _ := cmd.Flags().GetString("server")
		key, _ := cmd.Flags().GetString("organizer-key")
		if key == "" {
			key = os.Getenv("ORGANIZER_KEY")
		}
		if server == "" {
			return errors.New("--server is required")
		}
		client := &http.Client{Timeout: 30 * time.Second}
		err := raftlog.RequestJoin(cmd.Context(), client, server, key, raftlog.VoterRequest{
			NodeID:   args[0],
			RaftAddr: args[1],
		})
		if err != nil {
			return err
		}
		cmd.Printf("voter %s at %s added\n", args[0], args[1])
		return nil
	},
}

func init() {
	rootCmd.AddCommand(raftCmd)
	raftCmd.AddCommand(addVoterCmd)
	addVoterCmd.Flags().String("server", "http://127.0.0.1:8080", "HTTP base URL of the raft leader")
	addVoterCmd.Flags().String("organizer-key", "", "Organizer key; defaults to $ORGANIZER_KEY")
}
