//go:build ignore

package main

import (
	"encoding/json"
	"flag"
	"log"
	"os"
	"strings"

	"github.com/23skdu/longbow-pointformer/internal/device"
	"github.com/23skdu/longbow-pointformer/internal/pointcloud"
	"github.com/23skdu/longbow-pointformer/internal/pointcloud/weights"
)

// WeightDump holds the summary of a loaded tensor for verification
type WeightDump struct {
	Name     string    `json:"name"`
	Rows     int       `json:"rows"`
	Cols     int       `json:"cols"`
	FirstFew []float32 `json:"first_few"`
	LastFew  []float32 `json:"last_few"`
	Sum      float32   `json:"sum"`
}

func main() {
	checkpointPath := flag.String("checkpoint", "pointformer.cbor", "Path to CBOR checkpoint")
	filter := flag.String("prefix", "", "Only dump parameters whose name starts with this prefix")
	flag.Parse()

	f, err := os.Open(*checkpointPath)
	if err != nil {
		log.Fatalf("Failed to open checkpoint: %v", err)
	}
	ckpt, err := weights.ReadCheckpoint(f)
	f.Close()
	if err != nil {
		log.Fatal(err)
	}

	config := pointcloud.DefaultConfig()
	if err := ckpt.DecodeConfig(&config); err != nil {
		log.Fatalf("Failed to decode config: %v", err)
	}

	net, err := pointcloud.NewNetwork(config, device.NewCPUBackend())
	if err != nil {
		log.Fatal(err)
	}
	if err := weights.NewLoader(net).Apply(ckpt); err != nil {
		log.Fatalf("Failed to apply checkpoint: %v", err)
	}

	dumps := []WeightDump{}
	for _, p := range net.Parameters() {
		if !strings.HasPrefix(p.Name, *filter) {
			continue
		}
		r, c := p.Tensor.Dims()
		data := p.Tensor.ToHost()

		wd := WeightDump{Name: p.Name, Rows: r, Cols: c}
		count := min(5, len(data))
		wd.FirstFew = data[:count]
		wd.LastFew = data[len(data)-count:]
		for _, v := range data {
			wd.Sum += v
		}
		dumps = append(dumps, wd)
	}

	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	if err := enc.Encode(dumps); err != nil {
		log.Fatal(err)
	}
}
