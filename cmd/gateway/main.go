// Copyright 2025 AxonFlow
// SPDX-License-Identifier: BUSL-1.1
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

// Command gateway starts the MCP orchestration gateway.
package main

import (
	"log"
	"os"

	"mcpgateway/platform/gateway/config"
	"mcpgateway/platform/gateway/lifecycle"

	gw "mcpgateway/platform/gateway"
)

func main() {
	cfg, err := config.Load(os.Environ())
	if err != nil {
		log.Printf("config error: %v", err)
		os.Exit(int(lifecycle.ExitConfigError))
	}

	if err := gw.Run(cfg); err != nil {
		log.Printf("gateway exited with error: %v", err)
		os.Exit(int(lifecycle.ExitConfigError))
	}
}
