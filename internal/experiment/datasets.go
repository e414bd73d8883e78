// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package experiment

import (
	"github.com/gomlx/shardbench/pkg/core/distributed"
	"github.com/gomlx/shardbench/pkg/ml/data"
	"github.com/pkg/errors"
)

// trainFraction of a CSV dataset used for training when no separate test file is given.
const trainFraction = 6.0 / 7.0

// LoadDatasets returns the train and test datasets of cfg, already cut to cfg.Percent.
//
// Without a CSV file, one synthetic MNIST-shaped dataset of TrainExamples+TestExamples examples is
// generated from cfg.Seed and split, so both sides share the class centroids. Every worker generates
// the same data.
func LoadDatasets(cfg RunConfig) (trainDS, testDS *data.Dataset, err error) {
	if cfg.Data == "" {
		var all *data.Dataset
		all, err = data.Synthetic(data.MNISTLike("mnist", cfg.TrainExamples+cfg.TestExamples, cfg.Seed))
		if err != nil {
			return
		}
		trainDS, testDS, err = all.Split(cfg.TrainExamples, "train", "test")
	} else {
		trainDS, testDS, err = loadCSVDatasets(cfg)
	}
	if err != nil {
		return nil, nil, err
	}
	if trainDS, err = trainDS.Subset(cfg.Percent); err != nil {
		return nil, nil, err
	}
	if testDS, err = testDS.Subset(cfg.Percent); err != nil {
		return nil, nil, err
	}
	return trainDS, testDS, nil
}

func loadCSVDatasets(cfg RunConfig) (trainDS, testDS *data.Dataset, err error) {
	trainDS, err = data.LoadCSVFile(cfg.Data, cfg.LabelColumn)
	if err != nil {
		return
	}
	if cfg.TestData != "" {
		testDS, err = data.LoadCSVFile(cfg.TestData, cfg.LabelColumn)
		if err != nil {
			return
		}
		if testDS.NumFeatures != trainDS.NumFeatures {
			return nil, nil, errors.Errorf("test data %q has %d features, train data %q has %d",
				cfg.TestData, testDS.NumFeatures, cfg.Data, trainDS.NumFeatures)
		}
		testDS.NumClasses = max(testDS.NumClasses, trainDS.NumClasses)
		trainDS.NumClasses = testDS.NumClasses
	} else {
		trainDS, testDS, err = trainDS.Split(int(float64(trainDS.Len())*trainFraction), "train", "test")
		if err != nil {
			return
		}
	}
	mean, stddev := data.Normalization(trainDS)
	return data.Normalize(trainDS, mean, stddev), data.Normalize(testDS, mean, stddev), nil
}

// NewLoaders returns the train and test loaders of one rank.
//
// The train examples are partitioned across the ranks and reshuffled every epoch. The test examples are
// partitioned too, with a single fixed shuffle. With cfg.NoSampler every rank visits all the examples,
// the train ones shuffled. Incomplete batches are dropped on both sides.
func NewLoaders(cfg RunConfig, trainDS, testDS *data.Dataset, rank, worldSize int) (trainLoader, testLoader *data.Loader, err error) {
	if !cfg.Parallel() {
		rank, worldSize = 0, 1
	}
	var trainPart, testPart *data.Partitioner
	if cfg.NoSampler {
		trainPart, err = data.NewPartitioner(trainDS.Len(), 1, 0, data.PartitionOptions{Shuffle: true, Seed: cfg.Seed})
	} else {
		trainPart, err = data.NewPartitioner(trainDS.Len(), worldSize, rank, data.PartitionOptions{Shuffle: true, Seed: cfg.Seed})
		if err == nil {
			testPart, err = data.NewPartitioner(testDS.Len(), worldSize, rank, data.PartitionOptions{Shuffle: true, Seed: cfg.Seed})
		}
	}
	if err != nil {
		return nil, nil, errors.WithMessagef(err, "rank %d", rank)
	}
	trainLoader = data.NewLoader(trainDS, trainPart, cfg.BatchSize)
	trainLoader.DropIncompleteBatch = true
	testLoader = data.NewLoader(testDS, testPart, cfg.TestBatchSize)
	testLoader.DropIncompleteBatch = true
	return trainLoader, testLoader, nil
}

// cpuDevice is the device used with "--device=cpu", outside of the inventory.
func cpuDevice() *distributed.Device {
	return &distributed.Device{Kind: distributed.KindCPU, Name: "cpu", Memory: distributed.NewAllocator(0)}
}
