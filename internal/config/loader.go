package config

import (
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"reflect"

	"gopkg.in/yaml.v3"
)

// LoadAppConfig reads per-section config files from dir (server.yaml,
// webrtc.yaml, ...; .json also accepted) and merges them over the
// defaults. Missing files are fine; their section keeps its defaults.
func LoadAppConfig(dir string) (*AppConfig, error) {
	cfg := DefaultAppConfig()

	var server ServerConfig
	if err := loadFileInto(dir, "server", &server); err != nil {
		return nil, err
	}
	mergeInto(&cfg.Server, server)

	var webrtc WebRTCConfig
	if err := loadFileInto(dir, "webrtc", &webrtc); err != nil {
		return nil, err
	}
	mergeInto(&cfg.WebRTC, webrtc)

	var timeouts TimeoutConfig
	if err := loadFileInto(dir, "timeouts", &timeouts); err != nil {
		return nil, err
	}
	mergeInto(&cfg.Timeouts, timeouts)

	var storeCfg StoreConfig
	if err := loadFileInto(dir, "store", &storeCfg); err != nil {
		return nil, err
	}
	mergeInto(&cfg.Store, storeCfg)

	var history HistoryConfig
	if err := loadFileInto(dir, "history", &history); err != nil {
		return nil, err
	}
	mergeInto(&cfg.History, history)

	return &cfg, nil
}

func loadFileInto(dir, filenameBase string, target interface{}) error {
	basePath := filepath.Join(dir, filenameBase)

	if f, err := os.Open(basePath + ".yaml"); err == nil {
		defer f.Close()
		if err := yaml.NewDecoder(f).Decode(target); err != nil {
			if errors.Is(err, io.EOF) {
				slog.Warn("config file is empty, using defaults", "file", basePath+".yaml")
				return nil
			}
			return err
		}
		return nil
	}

	if f, err := os.Open(basePath + ".json"); err == nil {
		defer f.Close()
		if err := json.NewDecoder(f).Decode(target); err != nil {
			if errors.Is(err, io.EOF) {
				slog.Warn("config file is empty, using defaults", "file", basePath+".json")
				return nil
			}
			return err
		}
		return nil
	}

	return nil
}

// mergeInto overwrites dst fields with non-zero src fields, recursing
// into nested structs. Zero values in src mean "not configured".
func mergeInto(dst, src interface{}) {
	mergeValues(reflect.ValueOf(dst).Elem(), reflect.ValueOf(src))
}

func mergeValues(dstVal, srcVal reflect.Value) {
	for i := 0; i < srcVal.NumField(); i++ {
		srcField := srcVal.Field(i)
		dstField := dstVal.Field(i)

		switch srcField.Kind() {
		case reflect.Struct:
			mergeValues(dstField, srcField)
		case reflect.Slice:
			if !srcField.IsNil() && srcField.Len() > 0 {
				dstField.Set(srcField)
			}
		case reflect.Pointer:
			if !srcField.IsNil() {
				dstField.Set(srcField)
			}
		default:
			if !srcField.IsZero() {
				dstField.Set(srcField)
			}
		}
	}
}
