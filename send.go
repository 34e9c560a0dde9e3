package main

import (
	"bytes"
	"encoding/json"
	"fmt"
	"time"

	"github.com/spf13/cobra"

	"etaexport/internal/command"
	"etaexport/internal/export"
	"etaexport/internal/invoice"
)

var (
	sendInvoice string
	sendMode    string
	sendSize    int
	sendDetails bool
	sendOutput  string
)

func newSendCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "send ACTION",
		Short: "Send a command to a running serve",
		Long: `send posts one command to the server started by "etaexport serve" and prints
the data of the reply. Actions: ping, getInvoiceData, getAllPagesData,
getInvoiceDetails, rescanPage, setPerformanceMode, adjustBatchSize.`,
		Example: `  etaexport send ping
  etaexport send getInvoiceDetails --invoice 7XG4...
  etaexport send setPerformanceMode --to fast
  etaexport send getAllPagesData --details -o all.xlsx`,
		Args: cobra.ExactArgs(1),
		RunE: send,
	}
	cmd.Flags().StringVar(&sendInvoice, "invoice", "", "Invoice UUID for getInvoiceDetails")
	cmd.Flags().StringVar(&sendMode, "to", "", "Performance mode for setPerformanceMode or getAllPagesData")
	cmd.Flags().IntVar(&sendSize, "size", 0, "Batch size for adjustBatchSize")
	cmd.Flags().BoolVarP(&sendDetails, "details", "d", false, "Load line items with getAllPagesData")
	cmd.Flags().StringVarP(&sendOutput, "output", "o", "", "Export the scanned invoices to this file instead of printing them")
	return cmd
}

func send(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig(cmd)
	if err != nil {
		return err
	}
	req := command.Request{
		Action:    args[0],
		InvoiceID: sendInvoice,
		Mode:      sendMode,
		NewSize:   sendSize,
		Lang:      cfg.Locale,
	}
	if req.Action == command.GetAllPagesData {
		req.Options = &command.ScanOptions{IncludeDetails: sendDetails, Mode: sendMode}
	}

	client := command.NewClient("http://" + cfg.Server.Addr)
	client.Lang = cfg.Locale
	client.Attempts = cfg.Messaging.Attempts
	client.Backoff = cfg.Messaging.Backoff
	client.HTTPClient.Timeout = cfg.Server.Timeout
	if cfg.Server.Secret != "" {
		if client.Token, err = command.Sign(cfg.Server.Secret, 5*time.Minute); err != nil {
			return fmt.Errorf("sign token: %w", err)
		}
	}

	ctx, cancel := signalContext()
	defer cancel()

	reply, err := client.Send(ctx, req)
	if err != nil {
		return err
	}
	if sendOutput != "" && isScan(req.Action) {
		return exportReply(reply, req.Action == command.GetAllPagesData, sendDetails, cfg.Locale)
	}

	if len(reply.Data) == 0 {
		fmt.Fprintln(cmd.OutOrStdout(), "ok")
		return nil
	}
	var out bytes.Buffer
	if err := json.Indent(&out, reply.Data, "", "  "); err != nil {
		return fmt.Errorf("decode reply: %w", err)
	}
	out.WriteByte('\n')
	_, err = out.WriteTo(cmd.OutOrStdout())
	return err
}

func isScan(action string) bool {
	switch action {
	case command.GetInvoiceData, command.GetAllPagesData, command.RescanPage:
		return true
	}
	return false
}

func exportReply(reply command.Reply, all, details bool, locale string) error {
	var res invoice.Result
	if err := json.Unmarshal(reply.Data, &res); err != nil {
		return fmt.Errorf("decode reply: %w", err)
	}
	format := export.FormatFromPath(sendOutput)
	if format == "" {
		format = export.JSON
	}
	var buf bytes.Buffer
	err := export.Write(&buf, format, export.Payload{
		Invoices:       res.Invoices,
		AllPages:       all,
		IncludeDetails: details,
		CurrentPage:    res.CurrentPage,
		TotalPages:     res.TotalPages,
	})
	if err != nil {
		return err
	}
	return writeOutput(sendOutput, buf.Bytes(), len(res.Invoices), locale)
}

func newConfigCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "config",
		Short: "Print the effective configuration",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := loadConfig(cmd)
			if err != nil {
				return err
			}
			return cfg.Dump(cmd.OutOrStdout())
		},
	}
}
