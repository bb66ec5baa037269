package main

import (
	"encoding/json"
	"flag"
	"fmt"
	"os"
	"strconv"
	"strings"

	api "dartsearch/pkg/dartsearch"
)

// loadRunRequestFromConfig overlays the keys of a JSON run config on the
// default request. Keys use the snake_case flag names.
func loadRunRequestFromConfig(path string) (api.RunRequest, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return api.RunRequest{}, err
	}
	var raw map[string]any
	if err := json.Unmarshal(data, &raw); err != nil {
		return api.RunRequest{}, fmt.Errorf("parse run config %s: %w", path, err)
	}

	req := api.DefaultRunRequest()
	if v, ok := asString(raw["run_id"]); ok {
		req.RunID = v
	}
	if v, ok := asString(raw["dataset"]); ok {
		req.Dataset = v
	}
	if v, ok := asString(raw["data"]); ok {
		req.DataPath = v
	}
	if v, ok := asInt64(raw["seed"]); ok {
		req.Seed = v
	}
	if v, ok := asInt(raw["report_freq"]); ok {
		req.ReportFreq = v
	}
	if v, ok := asBool(raw["use_multiprocess"]); ok {
		req.UseMultiprocess = v
	}
	if v, ok := asInt(raw["num_workers"]); ok {
		req.NumWorkers = v
	}
	if v, ok := asInt(raw["batch_size"]); ok {
		req.BatchSize = v
	}
	if v, ok := asFloat64(raw["learning_rate"]); ok {
		req.LearningRate = v
	}
	if v, ok := asFloat64(raw["learning_rate_min"]); ok {
		req.LearningRateMin = v
	}
	if v, ok := asFloat64(raw["momentum"]); ok {
		req.Momentum = v
	}
	if v, ok := asFloat64(raw["weight_decay"]); ok {
		req.WeightDecay = v
	}
	if v, ok := asDevices(raw["devices"]); ok {
		req.Devices = v
	}
	if v, ok := asInt(raw["epochs"]); ok {
		req.Epochs = v
	}
	if v, ok := asInt(raw["init_channels"]); ok {
		req.InitChannels = v
	}
	if v, ok := asInt(raw["layers"]); ok {
		req.Layers = v
	}
	if v, ok := asInt(raw["steps"]); ok {
		req.Steps = v
	}
	if v, ok := asInt(raw["class_num"]); ok {
		req.ClassNum = v
	}
	if v, ok := asInt(raw["feature_dim"]); ok {
		req.FeatureDim = v
	}
	if v, ok := asInt(raw["trainset_num"]); ok {
		req.TrainsetNum = v
	}
	if v, ok := asBool(raw["cutout"]); ok {
		req.Cutout = v
	}
	if v, ok := asInt(raw["cutout_length"]); ok {
		req.CutoutLength = v
	}
	if v, ok := asFloat64(raw["grad_clip"]); ok {
		req.GradClip = v
	}
	if v, ok := asFloat64(raw["train_portion"]); ok {
		req.TrainPortion = v
	}
	if v, ok := asFloat64(raw["arch_learning_rate"]); ok {
		req.ArchLR = v
	}
	if v, ok := asFloat64(raw["arch_weight_decay"]); ok {
		req.ArchWeightDecay = v
	}
	return req, nil
}

func loadOrDefaultRunRequest(configPath string) (api.RunRequest, error) {
	if configPath == "" {
		return api.DefaultRunRequest(), nil
	}
	return loadRunRequestFromConfig(configPath)
}

func asString(v any) (string, bool) {
	s, ok := v.(string)
	return s, ok
}

func asBool(v any) (bool, bool) {
	b, ok := v.(bool)
	return b, ok
}

func asInt(v any) (int, bool) {
	switch x := v.(type) {
	case int:
		return x, true
	case float64:
		return int(x), true
	default:
		return 0, false
	}
}

func asInt64(v any) (int64, bool) {
	switch x := v.(type) {
	case int64:
		return x, true
	case int:
		return int64(x), true
	case float64:
		return int64(x), true
	default:
		return 0, false
	}
}

func asFloat64(v any) (float64, bool) {
	switch x := v.(type) {
	case float64:
		return x, true
	case int:
		return float64(x), true
	default:
		return 0, false
	}
}

// asDevices accepts "0,1" or [0, 1].
func asDevices(v any) (string, bool) {
	switch x := v.(type) {
	case string:
		return x, true
	case []any:
		ids := make([]string, 0, len(x))
		for _, item := range x {
			id, ok := asInt(item)
			if !ok {
				return "", false
			}
			ids = append(ids, strconv.Itoa(id))
		}
		return strings.Join(ids, ","), true
	default:
		return "", false
	}
}

// overrideFromFlags copies every explicitly set search flag into req, so
// command line values win over the config file.
func overrideFromFlags(req *api.RunRequest, fs *flag.FlagSet) {
	fs.Visit(func(f *flag.Flag) {
		getter, ok := f.Value.(flag.Getter)
		if !ok {
			return
		}
		v := getter.Get()
		switch f.Name {
		case "run-id":
			req.RunID = v.(string)
		case "dataset":
			req.Dataset = v.(string)
		case "data":
			req.DataPath = v.(string)
		case "seed":
			req.Seed = v.(int64)
		case "report-freq":
			req.ReportFreq = v.(int)
		case "use-multiprocess":
			req.UseMultiprocess = v.(bool)
		case "num-workers":
			req.NumWorkers = v.(int)
		case "batch-size":
			req.BatchSize = v.(int)
		case "learning-rate":
			req.LearningRate = v.(float64)
		case "learning-rate-min":
			req.LearningRateMin = v.(float64)
		case "momentum":
			req.Momentum = v.(float64)
		case "weight-decay":
			req.WeightDecay = v.(float64)
		case "devices":
			req.Devices = v.(string)
		case "epochs":
			req.Epochs = v.(int)
		case "init-channels":
			req.InitChannels = v.(int)
		case "layers":
			req.Layers = v.(int)
		case "steps":
			req.Steps = v.(int)
		case "class-num":
			req.ClassNum = v.(int)
		case "feature-dim":
			req.FeatureDim = v.(int)
		case "trainset-num":
			req.TrainsetNum = v.(int)
		case "cutout":
			req.Cutout = v.(bool)
		case "cutout-length":
			req.CutoutLength = v.(int)
		case "grad-clip":
			req.GradClip = v.(float64)
		case "train-portion":
			req.TrainPortion = v.(float64)
		case "arch-learning-rate":
			req.ArchLR = v.(float64)
		case "arch-weight-decay":
			req.ArchWeightDecay = v.(float64)
		}
	})
}

// registerSearchFlags defines the search flags with def as defaults.
func registerSearchFlags(fs *flag.FlagSet, def api.RunRequest) {
	fs.String("run-id", "", "explicit run id (optional)")
	fs.String("dataset", def.Dataset, "dataset source: synthetic|csv")
	fs.String("data", "", "csv dataset path (features..., label)")
	fs.Int64("seed", def.Seed, "rng seed")
	fs.Int("report-freq", def.ReportFreq, "report frequency in steps")
	fs.Bool("use-multiprocess", def.UseMultiprocess, "assemble batches with multiple workers")
	fs.Int("num-workers", def.NumWorkers, "loader worker count")
	fs.Int("batch-size", def.BatchSize, "minibatch size")
	fs.Float64("learning-rate", def.LearningRate, "start learning rate")
	fs.Float64("learning-rate-min", def.LearningRateMin, "min learning rate")
	fs.Float64("momentum", def.Momentum, "momentum")
	fs.Float64("weight-decay", def.WeightDecay, "weight decay")
	fs.String("devices", def.Devices, "device ids such as 0,1 or auto (defaults to $DARTSEARCH_VISIBLE_DEVICES)")
	fs.Int("epochs", def.Epochs, "epoch count")
	fs.Int("init-channels", def.InitChannels, "init channel count")
	fs.Int("layers", def.Layers, "total number of cells")
	fs.Int("steps", def.Steps, "intermediate nodes per cell")
	fs.Int("class-num", def.ClassNum, "class count of the dataset (csv: 0 infers)")
	fs.Int("feature-dim", def.FeatureDim, "input feature dimension of the synthetic dataset")
	fs.Int("trainset-num", def.TrainsetNum, "sample count of the training set")
	fs.Bool("cutout", def.Cutout, "apply cutout to training samples")
	fs.Int("cutout-length", def.CutoutLength, "cutout length")
	fs.Float64("grad-clip", def.GradClip, "gradient clipping norm")
	fs.Float64("train-portion", def.TrainPortion, "portion of data used for weight training")
	fs.Float64("arch-learning-rate", def.ArchLR, "learning rate for the architecture encoding")
	fs.Float64("arch-weight-decay", def.ArchWeightDecay, "weight decay for the architecture encoding")
}
