// file: internal/ecsm-mirror/util/manifest.go

package util

import (
	"bufio"
	"bytes"
	"errors"
	"fmt"
	"io"

	utilyaml "k8s.io/apimachinery/pkg/util/yaml"
	"sigs.k8s.io/yaml"

	metav1 "github.com/fx147/ecsm-mirror/pkg/apis/meta/v1"
	"github.com/fx147/ecsm-mirror/pkg/codec"
)

// DecodeManifests 读取一个或多个以 "---" 分隔的 YAML（或 JSON）文档，
// 按 scheme 解码成对象。空文档会被跳过。
func DecodeManifests(r io.Reader) ([]metav1.Object, error) {
	reader := utilyaml.NewYAMLReader(bufio.NewReader(r))

	var objs []metav1.Object
	for i := 0; ; i++ {
		doc, err := reader.Read()
		if errors.Is(err, io.EOF) {
			return objs, nil
		}
		if err != nil {
			return nil, fmt.Errorf("failed to read document %d: %w", i, err)
		}

		data, err := yaml.YAMLToJSON(doc)
		if err != nil {
			return nil, fmt.Errorf("document %d is not valid YAML: %w", i, err)
		}
		data = bytes.TrimSpace(data)
		if len(data) == 0 || bytes.Equal(data, []byte("null")) {
			continue
		}

		obj, err := codec.Default.Decode(data)
		if err != nil {
			return nil, fmt.Errorf("failed to decode document %d: %w", i, err)
		}
		objs = append(objs, obj)
	}
}
