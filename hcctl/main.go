/*
 * Copyright (c) 2023. Anton Starikov -- All Rights Reserved
 *
 * This file is part of HCCTL project.
 *
 * HCCTL is free software: you can redistribute it and/or modify
 * it under the terms of the GNU General Public License as the Free Software Foundation,
 * either version 3 of the License, or (at your option) any later version.
 *
 * This program is distributed in the hope that it will be useful,
 * but WITHOUT ANY WARRANTY; without even the implied warranty of
 * MERCHANTABILITY or FITNESS FOR A PARTICULAR PURPOSE.  See the
 * GNU General Public License for more details.
 *
 * You should have received a copy of the GNU General Public License
 * along with this program.  If not, see <http://www.gnu.org/licenses/>.
 */

package main

import (
	"context"
	"os"
	"os/signal"
	"syscall"

	"github.com/antst/hcctl/internal"
	"github.com/antst/hcctl/internal/config"
	"github.com/antst/hcctl/internal/logger"
)

// Build version, overridden with flag during build.
var version = "devel"

func main() {
	logger.L().Warnf("Heat curve controller, version: %+v", version)
	err := run()
	if err != nil {
		logger.L().Errorf("Startup failed: %v", err)
	}
	logger.Close()
	if err != nil {
		os.Exit(1)
	}
}

func run() error {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	s, err := internal.NewSupervisor(ctx, config.Get())
	if err != nil {
		return err
	}
	defer s.Close()

	s.Run(ctx)
	logger.L().Info("Shut down")
	return nil
}
