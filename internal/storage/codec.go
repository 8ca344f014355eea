package storage

import (
	"encoding/json"
	"errors"

	"ringside/internal/model"
)

const (
	CurrentSchemaVersion = 1
	CurrentCodecVersion  = 1
)

var ErrVersionMismatch = errors.New("record version mismatch")

func stamp(v *model.VersionedRecord) {
	if v.SchemaVersion == 0 {
		v.SchemaVersion = CurrentSchemaVersion
	}
	if v.CodecVersion == 0 {
		v.CodecVersion = CurrentCodecVersion
	}
}

func EncodeEpisode(e model.EpisodeRecord) ([]byte, error) {
	stamp(&e.VersionedRecord)
	return json.Marshal(e)
}

func DecodeEpisode(data []byte) (model.EpisodeRecord, error) {
	var episode model.EpisodeRecord
	if err := json.Unmarshal(data, &episode); err != nil {
		return model.EpisodeRecord{}, err
	}
	if err := checkVersion(episode.VersionedRecord); err != nil {
		return model.EpisodeRecord{}, err
	}
	return episode, nil
}

func EncodeRun(r model.RunRecord) ([]byte, error) {
	stamp(&r.VersionedRecord)
	return json.Marshal(r)
}

func DecodeRun(data []byte) (model.RunRecord, error) {
	var run model.RunRecord
	if err := json.Unmarshal(data, &run); err != nil {
		return model.RunRecord{}, err
	}
	if err := checkVersion(run.VersionedRecord); err != nil {
		return model.RunRecord{}, err
	}
	return run, nil
}

func checkVersion(v model.VersionedRecord) error {
	if v.SchemaVersion != CurrentSchemaVersion || v.CodecVersion != CurrentCodecVersion {
		return ErrVersionMismatch
	}
	return nil
}
