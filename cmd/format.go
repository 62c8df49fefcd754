// Copyright 2024 Stackblaze Inc. All Rights Reserved.
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

package cmd

import (
	"github.com/jacobsa/timeutil"
	"github.com/spf13/cobra"
	"github.com/stackblaze/zerofs/internal/fs"
	"github.com/stackblaze/zerofs/internal/logger"
)

var formatCmd = &cobra.Command{
	Use:   "format",
	Short: "Write the initial layout into an empty store",
	RunE: func(cmd *cobra.Command, args []string) error {
		store, err := openStore()
		if err != nil {
			return err
		}

		if err := fs.Format(cmd.Context(), store, timeutil.RealClock()); err != nil {
			return err
		}

		logger.Infof("Store formatted at version %d.", fs.FormatVersion)
		return nil
	},
}

func init() {
	rootCmd.AddCommand(formatCmd)
}
