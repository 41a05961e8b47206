package commands

import (
	"fmt"
	"os"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"

	"github.com/loqalabs/voicelock/internal/audio"
	"github.com/loqalabs/voicelock/internal/enroll"
)

func newListCmd(opts *options) *cobra.Command {
	return &cobra.Command{
		Use:   "list",
		Short: "List enrolled identities",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			core, err := opts.openCore(cmd.Context(), cmd)
			if err != nil {
				return err
			}
			defer core.Close()

			list := core.Service.List()
			tw := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 4, 2, ' ', 0)
			fmt.Fprintln(tw, "IDENTITY\tFINGERPRINT\tENROLLED")
			for _, e := range list {
				fmt.Fprintf(tw, "%s\t%s\t%s\n", e.Identity, e.Fingerprint, e.EnrolledAt.Local().Format(time.RFC3339))
			}
			if err := tw.Flush(); err != nil {
				return err
			}
			if opts.verbose {
				st := core.Service.Status()
				fmt.Fprintf(cmd.OutOrStdout(), "%d voiceprints, model %s (dim %d)\n", st.Enrolled, st.ModelID, st.Dimension)
			}
			return nil
		},
	}
}

func readSample(path, format string) (enroll.Sample, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return enroll.Sample{}, err
	}
	if format == "" {
		format = audio.FormatFromFilename(path)
	}
	return enroll.Sample{Data: data, Format: format}, nil
}

func newRegisterCmd(opts *options) *cobra.Command {
	var format string
	cmd := &cobra.Command{
		Use:   "register <identity> <audio-file>",
		Short: "Enroll an identity from an audio file",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			sample, err := readSample(args[1], format)
			if err != nil {
				return err
			}
			core, err := opts.openCore(cmd.Context(), cmd)
			if err != nil {
				return err
			}
			defer core.Close()

			ack, err := core.Service.Register(cmd.Context(), args[0], sample)
			if err != nil {
				return err
			}
			verb := "registered"
			if ack.Replaced {
				verb = "re-registered"
			}
			fmt.Fprintf(cmd.OutOrStdout(), "%s %s (fingerprint %s)\n", verb, ack.Identity, ack.Fingerprint)
			return nil
		},
	}
	cmd.Flags().StringVar(&format, "format", "", "audio format (wav, pcm); inferred from the file extension when empty")
	return cmd
}

func newVerifyCmd(opts *options) *cobra.Command {
	var format string
	cmd := &cobra.Command{
		Use:   "verify <identity> <audio-file>",
		Short: "Score an audio file against an enrolled identity",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			sample, err := readSample(args[1], format)
			if err != nil {
				return err
			}
			core, err := opts.openCore(cmd.Context(), cmd)
			if err != nil {
				return err
			}
			defer core.Close()

			res, err := core.Service.Verify(cmd.Context(), args[0], sample)
			if err != nil {
				return err
			}
			verdict := "no match"
			if res.Matched {
				verdict = "match"
			}
			fmt.Fprintf(cmd.OutOrStdout(), "%s: %s (similarity %.4f, threshold %.2f)\n", res.Identity, verdict, res.Score, res.Threshold)
			return nil
		},
	}
	cmd.Flags().StringVar(&format, "format", "", "audio format (wav, pcm); inferred from the file extension when empty")
	return cmd
}

func newDeleteCmd(opts *options) *cobra.Command {
	return &cobra.Command{
		Use:   "delete <identity>",
		Short: "Remove an identity's voiceprint",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			core, err := opts.openCore(cmd.Context(), cmd)
			if err != nil {
				return err
			}
			defer core.Close()

			if err := core.Service.Delete(cmd.Context(), args[0]); err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "deleted %s\n", args[0])
			return nil
		},
	}
}
