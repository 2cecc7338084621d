package register

import (
	"encoding/xml"
	"fmt"
	"io"
	"os"

	"gonum.org/v1/gonum/spatial/r3"

	"github.com/kwv/boneregister/mesh"
)

type xmlVec struct {
	X float64 `xml:"x,attr"`
	Y float64 `xml:"y,attr"`
	Z float64 `xml:"z,attr"`
}

type xmlFragment struct {
	Rotation    xmlVec `xml:"rotation"`
	Translation xmlVec `xml:"translation"`
}

type xmlPoses struct {
	XMLName   xml.Name      `xml:"poses"`
	Fragments []xmlFragment `xml:"fragment"`
}

// WritePoses writes one <fragment> element with rotation and translation
// attributes per pose.
func WritePoses(w io.Writer, poses []mesh.Pose) error {
	doc := xmlPoses{Fragments: make([]xmlFragment, len(poses))}
	for i, p := range poses {
		doc.Fragments[i] = xmlFragment{
			Rotation:    xmlVec(p.Rotation),
			Translation: xmlVec(p.Translation),
		}
	}

	if _, err := io.WriteString(w, xml.Header); err != nil {
		return err
	}
	enc := xml.NewEncoder(w)
	enc.Indent("", "  ")
	if err := enc.Encode(doc); err != nil {
		return fmt.Errorf("encoding poses: %w", err)
	}
	_, err := io.WriteString(w, "\n")
	return err
}

// ReadPoses parses a document written by WritePoses
func ReadPoses(r io.Reader) ([]mesh.Pose, error) {
	var doc xmlPoses
	if err := xml.NewDecoder(r).Decode(&doc); err != nil {
		return nil, fmt.Errorf("decoding poses: %w", err)
	}
	poses := make([]mesh.Pose, len(doc.Fragments))
	for i, f := range doc.Fragments {
		poses[i] = mesh.Pose{
			Rotation:    r3.Vec(f.Rotation),
			Translation: r3.Vec(f.Translation),
		}
	}
	return poses, nil
}

// SavePoses writes the poses XML to path
func SavePoses(path string, poses []mesh.Pose) error {
	f, err := createFile(path)
	if err != nil {
		return fmt.Errorf("creating poses file: %w", err)
	}
	if err := WritePoses(f, poses); err != nil {
		_ = f.Close()
		return err
	}
	return f.Close()
}

// LoadPoses reads a poses XML file
func LoadPoses(path string) ([]mesh.Pose, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("opening poses file: %w", err)
	}
	defer f.Close()
	return ReadPoses(f)
}
