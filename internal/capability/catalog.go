package capability

import (
	"fmt"
	"os"
	"strings"

	"gopkg.in/yaml.v3"
)

// Catalog 描述能力端点清单文件的结构。端点在部署阶段解析完成后写入该
// 文件，进程内不做任何发现逻辑。
type Catalog struct {
	Capabilities []CatalogEntry `yaml:"capabilities"`
}

// CatalogEntry 是清单中的一条能力端点记录。
type CatalogEntry struct {
	Kind     string `yaml:"kind"`
	Endpoint string `yaml:"endpoint"`
}

// LoadCatalog 解析 YAML 清单文件并返回能力到端点的映射。
func LoadCatalog(path string) (map[Kind]string, error) {
	content, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("读取能力清单失败: %w", err)
	}

	var catalog Catalog
	if err := yaml.Unmarshal(content, &catalog); err != nil {
		return nil, fmt.Errorf("解析能力清单失败: %w", err)
	}

	endpoints := make(map[Kind]string, len(catalog.Capabilities))
	for _, entry := range catalog.Capabilities {
		kind := Kind(strings.TrimSpace(entry.Kind))
		if !IsValidKind(kind) {
			return nil, fmt.Errorf("能力清单包含未知能力: %q", entry.Kind)
		}
		endpoint := strings.TrimSpace(entry.Endpoint)
		if endpoint == "" {
			return nil, fmt.Errorf("能力 %s 的端点为空", kind)
		}
		if _, ok := endpoints[kind]; ok {
			return nil, fmt.Errorf("能力 %s 在清单中重复", kind)
		}
		endpoints[kind] = endpoint
	}
	return endpoints, nil
}
