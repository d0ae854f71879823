package main

import (
	"encoding/json"

	"github.com/spf13/cobra"

	"github.com/resqnet/resqnet/internal/config"
	"github.com/resqnet/resqnet/internal/domain/hospital"
	"github.com/resqnet/resqnet/internal/platform/overpass"
)

func hospitalsCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "hospitals",
		Short: "Manage the hospital directory",
	}

	syncCmd := &cobra.Command{
		Use:   "sync",
		Short: "Import hospitals from OpenStreetMap",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.Load()
			if err != nil {
				return err
			}
			logger, closeLog := newLogger(cfg)
			defer closeLog()

			flags := cmd.Flags()
			lat, lng, radius := cfg.HospitalSyncLat, cfg.HospitalSyncLng, cfg.HospitalSyncRadiusKm
			if flags.Changed("lat") {
				lat, _ = flags.GetFloat64("lat")
			}
			if flags.Changed("lng") {
				lng, _ = flags.GetFloat64("lng")
			}
			if flags.Changed("radius") {
				radius, _ = flags.GetFloat64("radius")
			}

			ctx := cmd.Context()
			st, err := openStore(ctx, cfg, logger)
			if err != nil {
				return err
			}
			defer st.Close()

			syncer := hospital.NewSyncer(st.hospitals, overpass.NewClient(cfg.OverpassURL), st.tx, logger)
			res, err := syncer.Sync(ctx, lat, lng, radius)
			if err != nil {
				return err
			}
			enc := json.NewEncoder(cmd.OutOrStdout())
			enc.SetIndent("", "  ")
			return enc.Encode(res)
		},
	}
	syncCmd.Flags().Float64("lat", 0, "Latitude of the import center (default HOSPITAL_SYNC_LAT)")
	syncCmd.Flags().Float64("lng", 0, "Longitude of the import center (default HOSPITAL_SYNC_LNG)")
	syncCmd.Flags().Float64("radius", 0, "Import radius in km (default HOSPITAL_SYNC_RADIUS_KM)")
	cmd.AddCommand(syncCmd)

	return cmd
}
