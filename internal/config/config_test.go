package config

import (
	"bytes"
	"path/filepath"
	"reflect"
	"strings"
	"testing"

	"modvfs/internal/tree"

	"github.com/spf13/afero"
)

const sample = `# written by the launcher
mount_point=/games/Skyrim/Data
game_dir=/games/Skyrim
data_dir_name=Data

overwrite_dir=/profiles/default/overwrite
mod=SkyUI|/mods/SkyUI
mod=broken-no-pipe
garbage line
mod=Patch|/mods/Patch|with pipe
extra_file=plugins.txt|/profiles/default/plugins.txt
unknown=value
`

func TestParse(t *testing.T) {
	f, err := Parse(strings.NewReader(sample))
	if err != nil {
		t.Fatalf("Parse failed: %v", err)
	}

	if f.MountPoint != "/games/Skyrim/Data" || f.GameDir != "/games/Skyrim" || f.DataDirName != "Data" {
		t.Errorf("Unexpected header fields: %+v", f)
	}
	if f.OverwriteDir != "/profiles/default/overwrite" {
		t.Errorf("Unexpected overwrite dir %q", f.OverwriteDir)
	}

	wantMods := []tree.Mod{
		{Name: "SkyUI", Path: "/mods/SkyUI"},
		{Name: "Patch", Path: "/mods/Patch|with pipe"},
	}
	if !reflect.DeepEqual(f.Mods, wantMods) {
		t.Errorf("Mods = %+v, want %+v", f.Mods, wantMods)
	}
	wantExtra := []tree.Injection{{Path: "plugins.txt", Source: "/profiles/default/plugins.txt"}}
	if !reflect.DeepEqual(f.ExtraFiles, wantExtra) {
		t.Errorf("ExtraFiles = %+v, want %+v", f.ExtraFiles, wantExtra)
	}
	if err := f.Validate(); err != nil {
		t.Errorf("Expected valid config: %v", err)
	}
}

func TestValidateRequiresMountPoint(t *testing.T) {
	f, err := Parse(strings.NewReader("game_dir=/games\r\n"))
	if err != nil {
		t.Fatalf("Parse failed: %v", err)
	}
	if f.GameDir != "/games" {
		t.Errorf("Expected CRLF to be stripped, got %q", f.GameDir)
	}
	if err := f.Validate(); err != ErrMountPointNotSet {
		t.Errorf("Expected ErrMountPointNotSet, got %v", err)
	}
	if got := "error: " + ErrMountPointNotSet.Error(); got != "error: mount_point not set in config" {
		t.Errorf("Unexpected diagnostic %q", got)
	}
}

func TestWriteRead(t *testing.T) {
	fsys := afero.NewMemMapFs()
	path := filepath.Join("/state", "fluorine", "vfs.cfg")
	want := &File{
		MountPoint:   "/games/Skyrim/Data",
		GameDir:      "/games/Skyrim",
		DataDirName:  "Data",
		OverwriteDir: "/profiles/default/overwrite",
		Mods:         []tree.Mod{{Name: "A", Path: "/mods/A"}, {Name: "B", Path: "/mods/B"}},
		ExtraFiles:   []tree.Injection{{Path: "loadorder.txt", Source: "/profiles/default/loadorder.txt"}},
	}

	if err := Write(fsys, path, want); err != nil {
		t.Fatalf("Write failed: %v", err)
	}
	if ok, _ := afero.Exists(fsys, path+".tmp"); ok {
		t.Error("Temporary file left behind")
	}

	got, err := Read(fsys, path)
	if err != nil {
		t.Fatalf("Read failed: %v", err)
	}
	if !reflect.DeepEqual(got, want) {
		t.Errorf("Read %+v, want %+v", got, want)
	}

	want.Mods = want.Mods[:1]
	if err := Write(fsys, path, want); err != nil {
		t.Fatalf("Rewrite failed: %v", err)
	}
	got, err = Read(fsys, path)
	if err != nil {
		t.Fatalf("Read failed: %v", err)
	}
	if len(got.Mods) != 1 {
		t.Errorf("Expected rewrite to replace the file, got %d mods", len(got.Mods))
	}
}

func TestEncodeRejectsUnrepresentableValues(t *testing.T) {
	tests := []struct {
		name string
		file *File
	}{
		{"NewlineInPath", &File{MountPoint: "/a\nmod=x|/y"}},
		{"PipeInModName", &File{MountPoint: "/a", Mods: []tree.Mod{{Name: "a|b", Path: "/m"}}}},
		{"PipeInExtraPath", &File{MountPoint: "/a", ExtraFiles: []tree.Injection{{Path: "a|b", Source: "/s"}}}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			var buf bytes.Buffer
			if err := tt.file.Encode(&buf); err == nil {
				t.Errorf("Expected an error, wrote %q", buf.String())
			}
			if buf.Len() != 0 {
				t.Errorf("Nothing should be written on error, got %q", buf.String())
			}
		})
	}
}

func TestReadMissing(t *testing.T) {
	if _, err := Read(afero.NewMemMapFs(), "/nope.cfg"); err == nil {
		t.Error("Expected an error for a missing file")
	}
}

func TestDefaultPaths(t *testing.T) {
	t.Setenv("XDG_DATA_HOME", "/xdg")
	if got := DefaultPath(); got != "/xdg/fluorine/vfs.cfg" {
		t.Errorf("DefaultPath() = %q", got)
	}
	if got := DefaultHelperPath(); got != "/xdg/fluorine/bin/mo2-vfs-helper" {
		t.Errorf("DefaultHelperPath() = %q", got)
	}
	if got := DefaultSessionPath(); got != "/xdg/fluorine/vfs-session.json" {
		t.Errorf("DefaultSessionPath() = %q", got)
	}
}
