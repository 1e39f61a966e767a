package cmd

import (
	"context"
	"errors"
	"log"
	"net/http"
	"time"

	"github.com/roffe/gocandle/pkg/gateway"
	"github.com/spf13/cobra"
)

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "expose a channel over websocket",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		listen, _ := cmd.Flags().GetString("listen")
		ctx := cmd.Context()
		sess, err := openSession(ctx, cmd)
		if err != nil {
			return err
		}
		defer sess.Close()

		mux := http.NewServeMux()
		mux.Handle("/ws", gateway.New(sess, &gateway.Options{
			CheckOrigin: func(r *http.Request) bool { return true },
		}))
		srv := &http.Server{
			Addr:              listen,
			Handler:           mux,
			ReadHeaderTimeout: 10 * time.Second,
		}

		go func() {
			select {
			case <-ctx.Done():
			case <-sess.Done():
				log.Println("session closed, stopping server")
			}
			sctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			srv.Shutdown(sctx)
		}()

		log.Printf("gateway listening on ws://%s/ws", listen)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	},
}

func init() {
	serveCmd.Flags().StringP("listen", "l", "127.0.0.1:8080", "listen address")
	rootCmd.AddCommand(serveCmd)
}
