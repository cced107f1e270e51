package main

import (
	"fmt"
	"os"

	pkgerrors "github.com/pkg/errors"
	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"

	"github.com/charlie0129/fcounter/pkg/config"
	daemonutils "github.com/charlie0129/fcounter/pkg/utils/daemon"
)

// NewInstallCommand .
func NewInstallCommand() *cobra.Command {
	allowNonRootAccess := false

	cmd := &cobra.Command{
		Use:         "install",
		Short:       "Install fcounter daemon (system-wide)",
		GroupID:     gInstallation,
		Annotations: map[string]string{"offline": "true"},
		Long: `Install fcounter daemon as a systemd service (system-wide).

This makes the daemon run in the background and automatically start on boot. You must run this command as root.

By default, only root user is allowed to access the daemon. Use the --allow-non-root-access flag to let other users control the counter without sudo.`,
		RunE: func(cmd *cobra.Command, _ []string) error {
			conf, err := config.NewFile(configPath)
			if err != nil {
				return err
			}

			conf.SetAllowNonRootAccess(allowNonRootAccess)
			if allowNonRootAccess {
				logrus.Info("non-root users are allowed to access the fcounter daemon.")
			} else {
				logrus.Info("only root user is allowed to access the fcounter daemon.")
			}

			err = conf.Save()
			if err != nil {
				return pkgerrors.Wrapf(err, "failed to save config")
			}

			err = daemonutils.Install(configPath)
			if err != nil {
				// check if current user is root
				if os.Geteuid() != 0 {
					logrus.Errorf("you must run this command as root")
				}
				return fmt.Errorf("failed to install daemon: %v. Are you root?", err)
			}

			logrus.Infof("installation succeeded")

			exePath, _ := os.Executable()

			cmd.Printf("systemd will use current binary (%s) at startup so please make sure you do not move this binary. Once this binary is moved or deleted, you will need to run `fcounter install' again.\n", exePath)

			return nil
		},
	}

	cmd.Flags().BoolVar(&allowNonRootAccess, "allow-non-root-access", false, "Allow non-root users to access fcounter daemon.")

	return cmd
}

// NewUninstallCommand .
func NewUninstallCommand() *cobra.Command {
	standby := true

	cmd := &cobra.Command{
		Use:     "uninstall",
		Short:   "Uninstall fcounter daemon (system-wide)",
		GroupID: gInstallation,
		Long: `Uninstall fcounter daemon from systemd (system-wide).

The counter is put into standby first, then the service is stopped and removed.

You must run this command as root.`,
		RunE: func(_ *cobra.Command, _ []string) error {
			if standby {
				if _, err := apiClient.Standby(); err != nil {
					logrus.WithError(err).Warn("failed to put the counter into standby")
				}
			}

			err := daemonutils.Uninstall()
			if err != nil {
				// check if current user is root
				if os.Geteuid() != 0 {
					logrus.Errorf("you must run this command as root")
				}
				return fmt.Errorf("failed to uninstall daemon: %v", err)
			}

			logrus.Infof("successfully uninstalled fcounter")
			return nil
		},
	}

	cmd.Flags().BoolVar(&standby, "standby", true, "Put the counter into standby before stopping the daemon")

	return cmd
}
