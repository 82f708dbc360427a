package cmd

import (
	"bytes"
	"fmt"
	"io"
	"time"

	"github.com/olekukonko/tablewriter"

	"github.com/spaghettifunk/prism/engine/core"
	"github.com/spaghettifunk/prism/engine/renderer"
	"github.com/spaghettifunk/prism/engine/scene"
)

func displayFrameStats(stats renderer.Stats, backend string, renderTime time.Duration) {
	var buf bytes.Buffer
	writeFrameStats(&buf, stats, backend, renderTime)
	core.LogInfo("frame statistics\n%s", buf.String())
}

func writeFrameStats(w io.Writer, stats renderer.Stats, backend string, renderTime time.Duration) {
	table := tablewriter.NewWriter(w)
	table.SetAutoFormatHeaders(false)
	table.SetAutoWrapText(false)
	table.SetHeader([]string{"Backend", "Extent", "BLAS", "Instances", "Frames", "Trace time"})
	table.Append([]string{
		backend,
		fmt.Sprintf("%dx%d", stats.Extent.Width, stats.Extent.Height),
		fmt.Sprintf("%d", stats.BLASCount),
		fmt.Sprintf("%d", stats.Instances),
		fmt.Sprintf("%d", stats.Frames),
		fmt.Sprintf("%.2f ms", stats.FrameTime),
	})
	table.SetFooter([]string{"", "", "", "", "TOTAL", renderTime.Round(time.Microsecond).String()})
	table.Render()
}

func writeSceneStats(w io.Writer, sc *scene.Scene) {
	table := tablewriter.NewWriter(w)
	table.SetAutoFormatHeaders(false)
	table.SetAutoWrapText(false)
	table.SetHeader([]string{"Primitive", "Vertex accessor", "Index accessor", "Vertices", "Triangles", "Material"})
	triangles := 0
	for i, p := range sc.Primitives {
		triangles += p.TriangleCount()
		table.Append([]string{
			fmt.Sprintf("%d", i),
			fmt.Sprintf("%d", p.Key.VertexAccessor),
			fmt.Sprintf("%d", p.Key.IndexAccessor),
			fmt.Sprintf("%d", len(p.Vertices)),
			fmt.Sprintf("%d", p.TriangleCount()),
			sc.MaterialOf(i).Name,
		})
	}
	table.SetFooter([]string{
		fmt.Sprintf("%d unique", len(sc.Keys())),
		"", "",
		fmt.Sprintf("%d instances", len(sc.Instances())),
		fmt.Sprintf("%d", triangles),
		fmt.Sprintf("%d materials", len(sc.Materials)),
	})
	table.Render()

	lo, hi := sc.Bounds()
	fmt.Fprintf(w, "nodes: %d, roots: %d, bounds: [%.2f %.2f %.2f] - [%.2f %.2f %.2f], camera: %t\n",
		len(sc.Nodes), len(sc.Roots), lo[0], lo[1], lo[2], hi[0], hi[1], hi[2], sc.Camera != nil)
}
