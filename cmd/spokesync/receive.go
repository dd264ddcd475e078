package main

import (
	"github.com/spf13/cobra"

	"github.com/bft-labs/spokesync/pkg/log"
	"github.com/bft-labs/spokesync/pkg/transfer"
)

func (c *cli) receiveCommand() *cobra.Command {
	var extract bool

	cmd := &cobra.Command{
		Use:   "receive",
		Short: "Accept session archives sent by spokes",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			if err := c.load(cmd); err != nil {
				return err
			}
			ctx, cancel := signalContext()
			defer cancel()

			r := c.newReceiver(extract)
			return r.ListenAndServe(ctx, c.cfg.ReceiveAddr)
		},
	}

	f := cmd.Flags()
	f.StringVar(&c.cfg.ReceiveAddr, "receive-addr", c.cfg.ReceiveAddr, "receiver listen address")
	f.StringVar(&c.cfg.ReceiveDir, "receive-dir", "", "directory for received sessions (default: $HOME/.spokesync/received)")
	f.BoolVar(&extract, "extract", false, "unpack each archive next to the stored file")
	return cmd
}

func (c *cli) newReceiver(extract bool) *transfer.Receiver {
	return transfer.NewReceiver(c.cfg.ReceiveDir,
		transfer.WithReceiverLogger(c.logger),
		transfer.WithExtract(extract),
		transfer.WithReceivedHandler(func(f transfer.ReceivedFile) {
			c.logger.Info("session received",
				log.String("session_id", f.SessionID),
				log.String("device_id", f.DeviceID),
				log.String("file", f.Path),
				log.Int64("bytes", f.Size))
		}),
	)
}
