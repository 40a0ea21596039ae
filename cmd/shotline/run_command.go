package main

import (
	"fmt"
	"os/signal"
	"path/filepath"
	"strings"
	"syscall"

	"github.com/spf13/cobra"

	"shotline/internal/deps"
	"shotline/internal/export"
	"shotline/internal/journal"
	"shotline/internal/render"
	"shotline/internal/run"
)

func newRunCommand(ctx *commandContext) *cobra.Command {
	var projectName string
	var projectID string
	var noUpload bool
	var frameRate string
	var width string
	var height string
	var colorSpace string

	cmd := &cobra.Command{
		Use:   "run [shot files...]",
		Short: "Render and upload a batch of shots",
		Long: `Run renders a preview and a full-resolution export for every shot file,
packages the full exports, and uploads each shot to the review portal as soon
as its preview is finished. With --project-id the shots land in an existing
project; otherwise a project named by --project is created first.`,
		Args: cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := ctx.ensureConfig()
			if err != nil {
				return err
			}
			logger, err := ctx.ensureLogger()
			if err != nil {
				return err
			}
			session, err := ctx.session()
			if err != nil {
				return err
			}

			uploadEnabled := !noUpload
			if uploadEnabled && session != nil && !session.UploadEnabled {
				uploadEnabled = false
			}
			if uploadEnabled && !session.LoggedIn() {
				return fmt.Errorf("not logged in; run `shotline login` or pass --no-upload")
			}

			mode := export.ProjectModeNew
			if projectID != "" {
				mode = export.ProjectModeExisting
			}

			shots := make([]run.ShotSpec, 0, len(args))
			for _, path := range args {
				name := strings.TrimSuffix(filepath.Base(path), filepath.Ext(path))
				shots = append(shots, run.ShotSpec{Name: name, InputPath: path})
			}

			if err := deps.Verify(cfg); err != nil {
				return err
			}

			client, err := ctx.portalClient()
			if err != nil {
				return err
			}
			history, err := journal.Open(cfg)
			if err != nil {
				return err
			}
			defer history.Close()

			engine := render.NewFFmpeg(render.WithBinary(cfg.Render.FFmpegBinary))
			controller := run.NewController(cfg, client, client, engine, history, nil, logger)

			runCtx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
			defer stop()

			err = controller.Execute(runCtx, run.Config{
				UploadEnabled: uploadEnabled,
				ProjectMode:   mode,
				ProjectID:     projectID,
				ProjectName:   projectName,
				Credential:    run.CredentialFromSession(session),
				Sequence: run.SequenceInfo{
					FrameRate:  frameRate,
					Width:      width,
					Height:     height,
					ColorSpace: colorSpace,
				},
				Shots: shots,
			})
			if err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "Run %s finished: %s\n", controller.RunID(), controller.State())
			return nil
		},
	}

	cmd.Flags().StringVar(&projectName, "project", "", "Name of the project to create for this run")
	cmd.Flags().StringVar(&projectID, "project-id", "", "Upload into an existing project instead of creating one")
	cmd.Flags().BoolVar(&noUpload, "no-upload", false, "Render only; skip previews, packaging, and uploads")
	cmd.Flags().StringVar(&frameRate, "frame-rate", "24", "Sequence frame rate reported to the portal")
	cmd.Flags().StringVar(&width, "width", "1920", "Sequence width reported to the portal")
	cmd.Flags().StringVar(&height, "height", "1080", "Sequence height reported to the portal")
	cmd.Flags().StringVar(&colorSpace, "color-space", "sRGB", "Sequence color space reported to the portal")
	return cmd
}
