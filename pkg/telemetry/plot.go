package telemetry

import (
	"image/color"

	"github.com/pkg/errors"
	"gonum.org/v1/plot"
	"gonum.org/v1/plot/plotter"
	"gonum.org/v1/plot/vg"
	"gonum.org/v1/plot/vg/draw"

	"github.com/tigerbot-team/tigerbot/drivecore/pkg/pose"
)

// WritePlot saves the trajectory in history as an image at path.  The
// format comes from the file extension.  Goal positions seen in the history
// are marked.
func WritePlot(path string, history []Snapshot, unit pose.Unit) error {
	if len(history) == 0 {
		return errors.New("no telemetry to plot")
	}

	p := plot.New()
	p.Title.Text = "Trajectory"
	p.X.Label.Text = "x (" + string(unit) + ")"
	p.Y.Label.Text = "y (" + string(unit) + ")"
	p.Add(plotter.NewGrid())

	track := make(plotter.XYs, 0, len(history))
	var goals plotter.XYs
	var lastGoal *pose.Pose
	for _, s := range history {
		track = append(track, plotter.XY{X: s.Pose.X, Y: s.Pose.Y})
		if s.Goal != nil && (lastGoal == nil || *lastGoal != s.Goal.Target) {
			g := s.Goal.Target
			lastGoal = &g
			goals = append(goals, plotter.XY{X: g.X, Y: g.Y})
		}
	}

	line, err := plotter.NewLine(track)
	if err != nil {
		return errors.Wrap(err, "failed to build trajectory line")
	}
	line.Color = color.RGBA{R: 0x20, G: 0x60, B: 0xd0, A: 0xff}
	line.Width = vg.Points(1)
	p.Add(line)
	p.Legend.Add("pose", line)

	end, err := plotter.NewScatter(track[len(track)-1:])
	if err != nil {
		return errors.Wrap(err, "failed to build end marker")
	}
	end.GlyphStyle.Shape = draw.CircleGlyph{}
	end.GlyphStyle.Color = line.Color
	p.Add(end)

	if len(goals) > 0 {
		sc, err := plotter.NewScatter(goals)
		if err != nil {
			return errors.Wrap(err, "failed to build goal markers")
		}
		sc.GlyphStyle.Shape = draw.CrossGlyph{}
		sc.GlyphStyle.Color = color.RGBA{R: 0xd0, G: 0x30, B: 0x20, A: 0xff}
		sc.GlyphStyle.Radius = vg.Points(4)
		p.Add(sc)
		p.Legend.Add("goal", sc)
	}
	p.Legend.Top = true

	if err := p.Save(6*vg.Inch, 6*vg.Inch, path); err != nil {
		return errors.Wrapf(err, "failed to save plot to %s", path)
	}
	return nil
}
