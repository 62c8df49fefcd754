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

package cfg

import (
	"fmt"
)

// The chunk size of the engine; inline bodies may not exceed it.
const maxInlineThreshold = 64 << 10

func Validate(c *Config) error {
	if c.Logging.Format != "text" && c.Logging.Format != "json" {
		return fmt.Errorf("invalid log format: %q", c.Logging.Format)
	}

	if c.FileSystem.InlineThresholdBytes > maxInlineThreshold {
		return fmt.Errorf(
			"inline-threshold-bytes %d exceeds the chunk size %d",
			c.FileSystem.InlineThresholdBytes, maxInlineThreshold)
	}

	if c.FileSystem.WritebackFileCeilingBytes > c.FileSystem.WritebackBudgetBytes {
		return fmt.Errorf(
			"writeback-file-ceiling-bytes %d exceeds the budget %d",
			c.FileSystem.WritebackFileCeilingBytes, c.FileSystem.WritebackBudgetBytes)
	}

	if c.FileSystem.FileMode&^0o7777 != 0 {
		return fmt.Errorf("illegal file mode: %o", c.FileSystem.FileMode)
	}

	if c.FileSystem.DirMode&^0o7777 != 0 {
		return fmt.Errorf("illegal dir mode: %o", c.FileSystem.DirMode)
	}

	return nil
}
